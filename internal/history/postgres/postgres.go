// Package postgres provides a PostgreSQL-backed [history.Store]. Score vectors
// are stored in a pgvector column so similar past captures can be found with
// the cosine distance operator.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/seesay/internal/history"
)

// The score column has no fixed dimension so that swapping the model does not
// require a migration. Similarity queries filter on vector_dims instead.
const ddl = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS capture_cycles (
    id            TEXT         PRIMARY KEY,
    started_at    TIMESTAMPTZ  NOT NULL,
    finished_at   TIMESTAMPTZ  NOT NULL,
    outcome       TEXT         NOT NULL,
    error         TEXT         NOT NULL DEFAULT '',
    recognitions  JSONB        NOT NULL DEFAULT '[]',
    scores        vector
);

CREATE INDEX IF NOT EXISTS idx_capture_cycles_started_at
    ON capture_cycles (started_at DESC);

CREATE INDEX IF NOT EXISTS idx_capture_cycles_outcome
    ON capture_cycles (outcome);
`

// Store is the PostgreSQL history store. Safe for concurrent use.
type Store struct {
	pool      *pgxpool.Pool
	closeOnce sync.Once
}

// New connects to dsn, registers pgvector types on every connection and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the history table and indexes. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("history postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity. Used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save implements [history.Store].
func (s *Store) Save(ctx context.Context, rec history.Record) error {
	recs, err := json.Marshal(nonNil(rec.Recognitions))
	if err != nil {
		return fmt.Errorf("history postgres: encode recognitions: %w", err)
	}
	var scores *pgvector.Vector
	if len(rec.Scores) > 0 {
		v := pgvector.NewVector(rec.Scores)
		scores = &v
	}

	const q = `
		INSERT INTO capture_cycles
		    (id, started_at, finished_at, outcome, error, recognitions, scores)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    started_at   = EXCLUDED.started_at,
		    finished_at  = EXCLUDED.finished_at,
		    outcome      = EXCLUDED.outcome,
		    error        = EXCLUDED.error,
		    recognitions = EXCLUDED.recognitions,
		    scores       = EXCLUDED.scores`

	if _, err := s.pool.Exec(ctx, q,
		rec.ID, rec.StartedAt, rec.FinishedAt, rec.Outcome, rec.Error, recs, scores,
	); err != nil {
		return fmt.Errorf("history postgres: save %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `id, started_at, finished_at, outcome, error, recognitions, scores`

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, id string) (history.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM capture_cycles WHERE id = $1`, id)
	if err != nil {
		return history.Record{}, fmt.Errorf("history postgres: get %s: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Record{}, history.ErrNotFound
	}
	if err != nil {
		return history.Record{}, fmt.Errorf("history postgres: get %s: %w", id, err)
	}
	return rec, nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM capture_cycles ORDER BY started_at DESC LIMIT $1`, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("history postgres: recent: %w", err)
	}
	return collect(rows)
}

// Similar implements [history.Store].
func (s *Store) Similar(ctx context.Context, scores []float32, limit int) ([]history.Record, error) {
	if len(scores) == 0 {
		return []history.Record{}, nil
	}
	const q = `
		SELECT ` + selectColumns + `
		FROM   capture_cycles
		WHERE  scores IS NOT NULL AND vector_dims(scores) = $2
		ORDER  BY scores <=> $1
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(scores), len(scores), max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("history postgres: similar: %w", err)
	}
	return collect(rows)
}

// Close releases the connection pool. Idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(s.pool.Close)
	return nil
}

func collect(rows pgx.Rows) ([]history.Record, error) {
	out, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	if out == nil {
		out = []history.Record{}
	}
	return out, nil
}

func scanRecord(row pgx.CollectableRow) (history.Record, error) {
	var (
		rec    history.Record
		recs   []byte
		scores *pgvector.Vector
	)
	if err := row.Scan(&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.Outcome, &rec.Error, &recs, &scores); err != nil {
		return history.Record{}, err
	}
	if err := json.Unmarshal(recs, &rec.Recognitions); err != nil {
		return history.Record{}, fmt.Errorf("decode recognitions: %w", err)
	}
	if scores != nil {
		rec.Scores = scores.Slice()
	}
	return rec, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ history.Store = (*Store)(nil)
