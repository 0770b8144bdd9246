package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/seesay/internal/history"
	"github.com/MrWong99/seesay/internal/history/postgres"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SEESAY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SEESAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SEESAY_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS capture_cycles`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_SaveGetRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		rec := history.Record{
			ID:           id,
			StartedAt:    t0.Add(time.Duration(i) * time.Minute),
			FinishedAt:   t0.Add(time.Duration(i)*time.Minute + 2*time.Second),
			Outcome:      "success",
			Recognitions: []classifier.Recognition{{ID: "1", Label: "cat", Confidence: 0.8}},
			Scores:       []float32{0.1, 0.8, 0.1},
		}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	got, err := store.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Recognitions[0].Label != "cat" || len(got.Scores) != 3 {
		t.Errorf("Get = %+v", got)
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Errorf("Recent ids = %v", ids(recent))
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}
}

func TestStore_Similar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for id, scores := range map[string][]float32{
		"cat":   {0.9, 0.05, 0.05},
		"dog":   {0.05, 0.9, 0.05},
		"other": {0.2, 0.2, 0.2, 0.4},
		"none":  nil,
	} {
		if err := store.Save(ctx, history.Record{ID: id, StartedAt: now, FinishedAt: now, Outcome: "success", Scores: scores}); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	got, err := store.Similar(ctx, []float32{0.8, 0.1, 0.1}, 5)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(got) != 2 || got[0].ID != "cat" {
		t.Errorf("Similar ids = %v, want [cat dog]", ids(got))
	}
}

func ids(recs []history.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
