// Package readiness holds the process-wide "ready for a new capture" flag and
// mirrors every transition onto an optional external indicator such as an LED.
package readiness

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/seesay/internal/observe"
)

// Indicator reflects the readiness value on some external device. Failures
// are best-effort: they are logged and counted, never propagated.
type Indicator interface {
	SetIndicator(on bool) error
}

// IndicatorFunc adapts a function to [Indicator].
type IndicatorFunc func(on bool) error

// SetIndicator calls f(on).
func (f IndicatorFunc) SetIndicator(on bool) error { return f(on) }

// Option configures a [Signal].
type Option func(*Signal)

// WithIndicator attaches an indicator. Indicators are called in the order
// they were added.
func WithIndicator(ind Indicator) Option {
	return func(s *Signal) {
		if ind != nil {
			s.indicators = append(s.indicators, ind)
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Signal) { s.metrics = m }
}

// WithSubscriber registers fn to be called after every transition with the
// new value. fn runs under the signal's lock and must not call back into it.
func WithSubscriber(fn func(ready bool)) Option {
	return func(s *Signal) {
		if fn != nil {
			s.subscribers = append(s.subscribers, fn)
		}
	}
}

// Signal is the readiness flag. It starts not ready. All methods are safe for
// concurrent use; transitions and their indicator updates are serialised so
// the indicator never shows a stale value.
type Signal struct {
	indicators  []Indicator
	subscribers []func(bool)
	metrics     *observe.Metrics

	mu    sync.Mutex
	ready bool
}

// New returns a Signal in the not-ready state. The indicator is driven to
// match immediately.
func New(opts ...Option) *Signal {
	s := &Signal{}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.mu.Lock()
	s.reflect(false)
	s.mu.Unlock()
	return s
}

// Ready reports the current value.
func (s *Signal) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Set stores ready and drives the indicator when the value changed.
func (s *Signal) Set(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == ready {
		return
	}
	s.transition(ready)
}

// CompareAndSet stores next only if the current value is old. It reports
// whether the swap happened.
func (s *Signal) CompareAndSet(old, next bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready != old {
		return false
	}
	if old != next {
		s.transition(next)
	}
	return true
}

func (s *Signal) transition(ready bool) {
	s.ready = ready
	delta := int64(-1)
	if ready {
		delta = 1
	}
	s.metrics.Ready.Add(context.Background(), delta)
	s.reflect(ready)
	for _, fn := range s.subscribers {
		fn(ready)
	}
}

func (s *Signal) reflect(ready bool) {
	for _, ind := range s.indicators {
		if err := ind.SetIndicator(ready); err != nil {
			s.metrics.IndicatorErrors.Add(context.Background(), 1)
			slog.Warn("readiness: indicator update failed", "ready", ready, "err", err)
		}
	}
}
