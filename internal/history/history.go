// Package history keeps a log of finished capture cycles: when they ran, how
// they ended, what was recognised and the full score vector. Stores are
// optional; the capture pipeline treats a failed write as a warning.
package history

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

// ErrNotFound is returned by [Store.Get] for unknown cycle IDs.
var ErrNotFound = errors.New("history: record not found")

// Record describes one finished capture cycle.
type Record struct {
	ID           string                   `json:"id"`
	StartedAt    time.Time                `json:"started_at"`
	FinishedAt   time.Time                `json:"finished_at"`
	Outcome      string                   `json:"outcome"`
	Error        string                   `json:"error,omitempty"`
	Recognitions []classifier.Recognition `json:"recognitions"`

	// Scores is the full class score vector, when the classifier exposes it.
	// It is used for similarity search.
	Scores []float32 `json:"-"`
}

// Duration returns FinishedAt − StartedAt.
func (r Record) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Store persists cycle records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Save stores rec. Saving an ID twice overwrites the earlier record.
	Save(ctx context.Context, rec Record) error

	// Get returns the record with the given ID or [ErrNotFound].
	Get(ctx context.Context, id string) (Record, error)

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Similar returns up to limit records whose score vectors are closest to
	// scores by cosine distance, nearest first. Records without scores are
	// skipped.
	Similar(ctx context.Context, scores []float32, limit int) ([]Record, error)

	// Close releases the store. Idempotent.
	Close() error
}

// Memory is an in-process [Store] with a fixed capacity. When full, the
// oldest record is evicted.
type Memory struct {
	mu       sync.Mutex
	records  []Record // oldest first
	capacity int
}

// DefaultMemoryCapacity bounds [Memory] when no capacity is given.
const DefaultMemoryCapacity = 256

// NewMemory returns an empty store holding at most capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{capacity: capacity}
}

// Save implements [Store].
func (m *Memory) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec = clone(rec)
	if i := m.index(rec.ID); i >= 0 {
		m.records[i] = rec
		return nil
	}
	if len(m.records) >= m.capacity {
		m.records = slices.Delete(m.records, 0, 1)
	}
	m.records = append(m.records, rec)
	return nil
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.index(id); i >= 0 {
		return clone(m.records[i]), nil
	}
	return Record{}, ErrNotFound
}

// Recent implements [Store].
func (m *Memory) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(max(limit, 0), len(m.records))
	out := make([]Record, 0, n)
	for i := len(m.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, clone(m.records[i]))
	}
	return out, nil
}

// Similar implements [Store].
func (m *Memory) Similar(_ context.Context, scores []float32, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type hit struct {
		rec  Record
		dist float64
	}
	var hits []hit
	for _, r := range m.records {
		if len(r.Scores) == 0 || len(r.Scores) != len(scores) {
			continue
		}
		hits = append(hits, hit{rec: r, dist: CosineDistance(scores, r.Scores)})
	}
	slices.SortStableFunc(hits, func(a, b hit) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		}
		return 0
	})

	out := make([]Record, 0, min(limit, len(hits)))
	for _, h := range hits[:min(max(limit, 0), len(hits))] {
		out = append(out, clone(h.rec))
	}
	return out, nil
}

// Close implements [Store].
func (m *Memory) Close() error { return nil }

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Memory) index(id string) int {
	return slices.IndexFunc(m.records, func(r Record) bool { return r.ID == id })
}

func clone(r Record) Record {
	r.Recognitions = slices.Clone(r.Recognitions)
	r.Scores = slices.Clone(r.Scores)
	return r
}

var _ Store = (*Memory)(nil)
