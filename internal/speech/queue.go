// Package speech provides the ordered speech queue that turns text lines into
// audio. Lines are synthesised by a [tts.Provider] and rendered by an
// [audio.Player] strictly one after another in the order they were enqueued.
// A line never interrupts the one before it.
//
// Every enqueued line receives an ID. When the line has been played (or has
// failed) the registered [DoneFunc] is invoked with that ID, which is how the
// capture coordinator learns that the last narration line has finished.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/seesay/internal/observe"
	"github.com/MrWong99/seesay/pkg/audio"
	"github.com/MrWong99/seesay/pkg/provider/tts"
)

// ErrClosed is reported for lines that were still queued when the queue
// was closed, and for lines enqueued afterwards.
var ErrClosed = errors.New("speech: queue closed")

const (
	// DefaultSynthesisTimeout bounds a single TTS request.
	DefaultSynthesisTimeout = 15 * time.Second

	// minShift and maxShift clamp the pitch×rate resampling factor.
	minShift = 0.25
	maxShift = 4.0

	// DefaultCacheSize is the number of synthesised clips kept for reuse.
	DefaultCacheSize = 32
)

// Line is one phrase to be spoken. Pitch and Rate are multipliers where 1 is
// the voice's natural delivery; zero values are treated as 1.
type Line struct {
	Text  string
	Pitch float64
	Rate  float64
}

// factor returns the resampling factor for l.
func (l Line) factor() float64 {
	p, r := l.Pitch, l.Rate
	if p <= 0 {
		p = 1
	}
	if r <= 0 {
		r = 1
	}
	return min(max(p*r, minShift), maxShift)
}

// DoneFunc is called once per line after it finished playing. err is nil on
// success.
type DoneFunc func(id string, err error)

// Option configures a [Queue].
type Option func(*Queue)

// WithVoice selects the TTS voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(q *Queue) { q.voice = v }
}

// WithGap sets the base silence inserted between consecutive lines. Jitter
// of ±1/6 of the gap is applied automatically. Zero (the default) plays
// lines back-to-back.
func WithGap(d time.Duration) Option {
	return func(q *Queue) { q.gap = d }
}

// WithSynthesisTimeout bounds each TTS request.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.synthTimeout = d
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithCacheSize sets how many synthesised clips are kept for reuse, keyed by
// voice and text. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(q *Queue) { q.cacheSize = max(n, 0) }
}

type item struct {
	id   string
	line Line
}

// Queue is a FIFO speech queue with a single background dispatch goroutine.
// All exported methods are safe for concurrent use.
type Queue struct {
	provider     tts.Provider
	player       audio.Player
	voice        tts.VoiceProfile
	gap          time.Duration
	synthTimeout time.Duration
	metrics      *observe.Metrics
	cacheSize    int

	mu      sync.Mutex
	pending []item
	onDone  DoneFunc
	closed  bool
	cache   map[string]audio.Clip

	ctx    context.Context
	cancel context.CancelFunc
	notify chan struct{}
	done   chan struct{} // closed when dispatch returns
}

// New creates a Queue and starts its dispatch goroutine. Call [Queue.Close]
// to stop it.
func New(provider tts.Provider, player audio.Player, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		provider:     provider,
		player:       player,
		synthTimeout: DefaultSynthesisTimeout,
		cacheSize:    DefaultCacheSize,
		ctx:          ctx,
		cancel:       cancel,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	if q.cacheSize > 0 {
		q.cache = make(map[string]audio.Clip, q.cacheSize)
	}
	go q.dispatch()
	return q
}

// OnDone registers fn as the completion callback. Only one callback is
// active at a time; later calls replace earlier ones. fn runs on the dispatch
// goroutine and must not block.
func (q *Queue) OnDone(fn DoneFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDone = fn
}

// Enqueue appends line to the queue and returns its ID. Lines with empty
// text complete immediately without touching the TTS backend.
func (q *Queue) Enqueue(line Line) string {
	id := uuid.NewString()

	q.mu.Lock()
	if q.closed {
		fn := q.onDone
		q.mu.Unlock()
		if fn != nil {
			go fn(id, ErrClosed)
		}
		return id
	}
	q.pending = append(q.pending, item{id: id, line: line})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return id
}

// Pending returns the number of lines waiting to be played, excluding the
// one currently playing.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the dispatch goroutine, aborts the current line, and reports
// ErrClosed for every line still queued. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	fn := q.onDone
	q.mu.Unlock()

	q.cancel()
	<-q.done

	if fn != nil {
		for _, it := range dropped {
			fn(it.id, ErrClosed)
		}
	}
	return nil
}

// dispatch pulls lines from the queue and speaks them until Close.
func (q *Queue) dispatch() {
	defer close(q.done)

	var lastPlayed bool

	// Reusable timer for inter-line gaps.
	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}

		for {
			it, ok := q.dequeue()
			if !ok {
				break
			}

			if lastPlayed {
				if d := q.gapWithJitter(); d > 0 {
					gapTimer.Reset(d)
					select {
					case <-q.ctx.Done():
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						q.finish(it.id, ErrClosed)
						return
					case <-gapTimer.C:
					}
				}
			}

			err := q.speak(it.line)
			lastPlayed = true
			if err != nil && q.ctx.Err() != nil {
				err = ErrClosed
			}
			q.finish(it.id, err)
		}
	}
}

func (q *Queue) dequeue() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return item{}, false
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	return it, true
}

func (q *Queue) finish(id string, err error) {
	q.mu.Lock()
	fn := q.onDone
	q.mu.Unlock()

	if err != nil && !errors.Is(err, ErrClosed) {
		slog.Warn("speech: line failed", "id", id, "err", err)
	}
	if fn != nil {
		fn(id, err)
	}
}

// speak synthesises and plays one line.
func (q *Queue) speak(line Line) error {
	if line.Text == "" {
		return nil
	}

	clip, err := q.synthesize(line.Text)
	if err != nil {
		return err
	}
	clip = audio.Shift(clip, line.factor())

	if err := q.player.Play(q.ctx, clip); err != nil {
		return fmt.Errorf("speech: play: %w", err)
	}
	return nil
}

func (q *Queue) synthesize(text string) (audio.Clip, error) {
	key := q.voice.ID + "\x00" + text

	q.mu.Lock()
	clip, hit := q.cache[key]
	q.mu.Unlock()
	if hit {
		return clip, nil
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.synthTimeout)
	defer cancel()

	start := time.Now()
	clip, err := q.provider.Synthesize(ctx, text, q.voice)
	q.metrics.SynthesisDuration.Record(q.ctx, time.Since(start).Seconds())
	if err != nil {
		q.metrics.RecordProviderRequest(q.ctx, "tts", "synthesize", "error")
		q.metrics.RecordProviderError(q.ctx, "tts", "synthesize")
		return audio.Clip{}, fmt.Errorf("speech: synthesize %q: %w", text, err)
	}
	q.metrics.RecordProviderRequest(q.ctx, "tts", "synthesize", "ok")

	if q.cacheSize > 0 {
		q.mu.Lock()
		if len(q.cache) >= q.cacheSize {
			clear(q.cache)
		}
		q.cache[key] = clip
		q.mu.Unlock()
	}
	return clip, nil
}

// gapWithJitter returns the configured gap with ±1/6 jitter applied.
func (q *Queue) gapWithJitter() time.Duration {
	base := q.gap
	if base <= 0 {
		return 0
	}
	jitterRange := base / 6
	if jitterRange <= 0 {
		return base
	}
	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return base + jitter
}
