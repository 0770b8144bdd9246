// Package mock provides a test double for the classifier.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    Results: []classifier.Recognition{{ID: "1", Label: "cat", Confidence: 0.9}},
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/seesay/pkg/preprocess"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

// ClassifyCall records a single invocation of Classify.
type ClassifyCall struct {
	// Side is the side of the buffer passed to Classify.
	Side int
	// Layout is the layout of the buffer passed to Classify.
	Layout preprocess.Layout
}

// Provider is a mock implementation of classifier.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Results is returned by Classify.
	Results []classifier.Recognition

	// Scores is returned by LastScores after a successful Classify.
	Scores []float32

	// Err, if non-nil, is returned by Classify.
	Err error

	// Layout is returned by InputLayout.
	Layout preprocess.Layout

	// Served is returned by LastServed after a successful Classify.
	Served string

	// Block, if non-nil, makes Classify wait until it is closed or the
	// context is done.
	Block chan struct{}

	// --- Call records ---

	// ClassifyCalls records every call to Classify in order.
	ClassifyCalls []ClassifyCall

	// CloseCalls counts Close calls.
	CloseCalls int

	last   []float32
	served string
}

// Classify records the call and returns Results, Err.
func (p *Provider) Classify(ctx context.Context, buf *preprocess.Buffer) ([]classifier.Recognition, error) {
	p.mu.Lock()
	call := ClassifyCall{}
	if buf != nil {
		call = ClassifyCall{Side: buf.Side, Layout: buf.Layout}
	}
	p.ClassifyCalls = append(p.ClassifyCalls, call)
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.last = slices.Clone(p.Scores)
	p.served = p.Served
	return slices.Clone(p.Results), nil
}

// InputLayout returns Layout.
func (p *Provider) InputLayout() preprocess.Layout {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Layout
}

// LastScores implements classifier.Scorer.
func (p *Provider) LastScores() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.last)
}

// LastServed implements classifier.Router.
func (p *Provider) LastServed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.served
}

// Close records the call.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	return nil
}

// Calls returns the number of Classify calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ClassifyCalls)
}

// SetResults replaces Results and Err under the lock.
func (p *Provider) SetResults(results []classifier.Recognition, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Results = results
	p.Err = err
}

var (
	_ classifier.Provider = (*Provider)(nil)
	_ classifier.Scorer   = (*Provider)(nil)
	_ classifier.Router   = (*Provider)(nil)
)
