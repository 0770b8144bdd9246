package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/seesay/pkg/preprocess"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

// ClassifierFallback implements [classifier.Provider] with failover across
// several classification backends, typically a local model backed by a
// remote inference service. Every entry must consume the same buffer layout
// because the converter is configured once.
type ClassifierFallback struct {
	group  *FallbackGroup[classifier.Provider]
	layout preprocess.Layout

	mu     sync.Mutex
	scores []float32
	served string
}

var (
	_ classifier.Provider = (*ClassifierFallback)(nil)
	_ classifier.Scorer   = (*ClassifierFallback)(nil)
	_ classifier.Router   = (*ClassifierFallback)(nil)
)

// NewClassifierFallback creates a [ClassifierFallback] with primary as the
// preferred backend.
func NewClassifierFallback(primary classifier.Provider, primaryName string, cfg FallbackConfig) *ClassifierFallback {
	return &ClassifierFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		layout: primary.InputLayout(),
	}
}

// AddFallback registers an additional backend. It fails when the backend
// expects a different buffer layout than the primary.
func (f *ClassifierFallback) AddFallback(name string, p classifier.Provider) error {
	if l := p.InputLayout(); l != f.layout {
		return fmt.Errorf("resilience: classifier %q wants %s input, primary wants %s", name, l, f.layout)
	}
	f.group.AddFallback(name, p)
	return nil
}

// Classify scores buf on the first healthy backend.
func (f *ClassifierFallback) Classify(ctx context.Context, buf *preprocess.Buffer) ([]classifier.Recognition, error) {
	type served struct {
		recs   []classifier.Recognition
		scores []float32
	}
	res, name, err := executeNamed(f.group, func(p classifier.Provider) (served, error) {
		recs, err := p.Classify(ctx, buf)
		if err != nil {
			return served{}, err
		}
		var scores []float32
		if s, ok := p.(classifier.Scorer); ok {
			scores = s.LastScores()
		}
		return served{recs: recs, scores: scores}, nil
	})
	if err != nil {
		if errors.Is(err, classifier.ErrClassifier) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", classifier.ErrClassifier, err)
	}

	f.mu.Lock()
	f.scores = res.scores
	f.served = name
	f.mu.Unlock()
	return res.recs, nil
}

// LastScores implements [classifier.Scorer] with the scores reported by the
// backend that served the last successful call. Nil when that backend does
// not expose scores.
func (f *ClassifierFallback) LastScores() []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.scores)
}

// LastServed implements [classifier.Router].
func (f *ClassifierFallback) LastServed() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served
}

// InputLayout implements [classifier.Provider].
func (f *ClassifierFallback) InputLayout() preprocess.Layout { return f.layout }

// States reports the breaker state of every backend.
func (f *ClassifierFallback) States() []EntryState { return f.group.States() }

// Healthy reports whether any backend would accept a call.
func (f *ClassifierFallback) Healthy() bool { return f.group.Healthy() }

// Close closes every backend and joins their errors.
func (f *ClassifierFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, p classifier.Provider) {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}
