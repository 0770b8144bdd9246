// Package mock provides an in-memory mock implementation of [audio.Player]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every clip it is asked to
// play and exposes exported fields that the test can set to control return
// values.
//
// Typical usage:
//
//	p := &mock.Player{}
//	_ = p.Play(ctx, clip)
//	if len(p.Clips()) != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/seesay/pkg/audio"
)

var _ audio.Player = (*Player)(nil)

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// PlayErr is returned by Play.
	PlayErr error

	// Block, if non-nil, makes Play wait until it is closed or ctx is done.
	Block chan struct{}

	// --- Call records ---

	// PlayCalls records every clip passed to Play in order.
	PlayCalls []audio.Clip

	// CloseCalls counts Close invocations.
	CloseCalls int
}

// Play records the clip and returns PlayErr.
func (p *Player) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	p.PlayCalls = append(p.PlayCalls, clip)
	block := p.Block
	err := p.PlayErr
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Close records the call.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	return nil
}

// Clips returns a copy of the recorded clips.
func (p *Player) Clips() []audio.Clip {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.Clip, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}
