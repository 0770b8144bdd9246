// Package coordinator implements the capture-to-feedback pipeline: the state
// machine that accepts a trigger, requests a still capture, converts and
// classifies the frame, narrates the result and finally restores readiness.
//
// All state lives on a single worker goroutine. Capture callbacks, speech
// completions and watchdog timers only post events to the worker's channel,
// so no two steps of a cycle ever run concurrently and at most one cycle is
// in flight. Triggers that arrive while the device is busy are dropped, not
// queued.
//
// Every cycle ends with readiness restored, whether it succeeded or failed at
// any stage. The only exception is a lost capture device, which disables the
// trigger path for good.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/seesay/internal/display"
	"github.com/MrWong99/seesay/internal/history"
	"github.com/MrWong99/seesay/internal/observe"
	"github.com/MrWong99/seesay/internal/readiness"
	"github.com/MrWong99/seesay/pkg/capture"
	"github.com/MrWong99/seesay/pkg/preprocess"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

// Errors returned by [Coordinator.Trigger]. A rejected trigger has no effect
// beyond a log line and a metric.
var (
	ErrBusy      = errors.New("coordinator: cycle in progress")
	ErrDisabled  = errors.New("coordinator: capture device lost")
	ErrNoSession = errors.New("coordinator: no capture session")
	ErrShutdown  = errors.New("coordinator: shut down")
)

const (
	// DefaultCaptureTimeout bounds the wait for a requested frame.
	DefaultCaptureTimeout = 10 * time.Second

	// DefaultNarrationTimeout bounds the wait for the last narration line.
	DefaultNarrationTimeout = 30 * time.Second

	eventBuffer = 16
)

// FrameConverter turns a captured frame into classifier input. Image returns
// the RGB rendition of the most recent conversion for display.
// *preprocess.Converter satisfies it.
type FrameConverter interface {
	Convert(f *capture.Frame) (*preprocess.Buffer, error)
	Image() *image.NRGBA
}

// Narrator decides what to say. Each method returns the ID of the last line it
// enqueued, or "" when nothing observable was enqueued.
type Narrator interface {
	AnnounceReady() string
	AnnounceShutter() string
	DescribeResults(recs []classifier.Recognition) string
}

// Recorder persists finished cycles. history.Store satisfies it.
type Recorder interface {
	Save(ctx context.Context, rec history.Record) error
}

// Config holds the collaborators the coordinator owns for its lifetime.
type Config struct {
	Device     capture.Device
	Resolution capture.Resolution
	Converter  FrameConverter
	Classifier classifier.Provider
	Narrator   Narrator
	Readiness  *readiness.Signal
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithDisplay attaches a display sink.
func WithDisplay(s display.Sink) Option {
	return func(c *Coordinator) { c.display = s }
}

// WithRecorder attaches a history recorder. Writes are asynchronous and
// best-effort.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithWaitMode selects when readiness is restored after narration.
func WithWaitMode(m WaitMode) Option {
	return func(c *Coordinator) { c.waitMode.Store(int32(m)) }
}

// WithCaptureTimeout sets the capture watchdog.
func WithCaptureTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.captureTimeout = d
		}
	}
}

// WithNarrationTimeout sets the narration watchdog.
func WithNarrationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.narrationTimeout = d
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// cycle is the per-cycle state owned by the worker.
type cycle struct {
	id       string
	gen      uint64
	ctx      context.Context
	span     trace.Span
	started  time.Time
	stageAt  time.Time
	awaitID  string
	recs     []classifier.Recognition
	scores   []float32
	watchdog *time.Timer
}

// Coordinator is the capture state machine. Create it with [New], start it
// with [Coordinator.Start] and stop it with [Coordinator.Shutdown].
type Coordinator struct {
	cfg              Config
	display          display.Sink
	recorder         Recorder
	metrics          *observe.Metrics
	captureTimeout   time.Duration
	narrationTimeout time.Duration
	waitMode         atomic.Int32

	state    atomic.Int32
	disabled atomic.Bool
	started  atomic.Bool

	sessionMu sync.Mutex
	session   capture.Session

	events   chan event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	saves    sync.WaitGroup

	// Worker-owned.
	cur *cycle
	gen uint64
}

// New validates cfg and returns an idle coordinator.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	var errs []error
	if cfg.Device == nil {
		errs = append(errs, errors.New("coordinator: device is required"))
	}
	if cfg.Converter == nil {
		errs = append(errs, errors.New("coordinator: converter is required"))
	}
	if cfg.Classifier == nil {
		errs = append(errs, errors.New("coordinator: classifier is required"))
	}
	if cfg.Narrator == nil {
		errs = append(errs, errors.New("coordinator: narrator is required"))
	}
	if cfg.Readiness == nil {
		errs = append(errs, errors.New("coordinator: readiness signal is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:              cfg,
		captureTimeout:   DefaultCaptureTimeout,
		narrationTimeout: DefaultNarrationTimeout,
		events:           make(chan event, eventBuffer),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Start opens the capture session, starts the worker, marks the device ready
// and announces it. A session that cannot be opened is a startup error.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator: already started")
	}
	sess, err := c.cfg.Device.Open(ctx, c.cfg.Resolution, c)
	if err != nil {
		close(c.done)
		return fmt.Errorf("coordinator: open %s at %s: %w", c.cfg.Device.Name(), c.cfg.Resolution, err)
	}
	c.sessionMu.Lock()
	c.session = sess
	c.sessionMu.Unlock()

	go c.run()

	slog.Info("coordinator: capture session open", "device", c.cfg.Device.Name(), "resolution", c.cfg.Resolution.String())
	c.showStatus(display.StatusReady)
	c.cfg.Readiness.Set(true)
	c.cfg.Narrator.AnnounceReady()
	return nil
}

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Disabled reports whether the capture device was lost.
func (c *Coordinator) Disabled() bool { return c.disabled.Load() }

// SetWaitMode changes the readiness wait mode for subsequent cycles.
func (c *Coordinator) SetWaitMode(m WaitMode) { c.waitMode.Store(int32(m)) }

// Trigger starts a new cycle. It returns nil if the cycle was accepted and a
// sentinel error describing why it was dropped otherwise. source names the
// trigger in logs (e.g. "button", "http").
func (c *Coordinator) Trigger(source string) error {
	reason, err := c.accept()
	if err != nil {
		c.metrics.RecordDroppedTrigger(context.Background(), reason)
		slog.Info("coordinator: trigger ignored", "source", source, "reason", reason)
		return err
	}
	if !c.post(event{kind: evStart, source: source}) {
		// Shut down between accept and post.
		c.cfg.Readiness.Set(true)
		return ErrShutdown
	}
	return nil
}

func (c *Coordinator) accept() (reason string, err error) {
	select {
	case <-c.stop:
		return "shutdown", ErrShutdown
	default:
	}
	if !c.started.Load() {
		return "no_session", ErrNoSession
	}
	if c.disabled.Load() {
		return "disabled", ErrDisabled
	}
	c.sessionMu.Lock()
	hasSession := c.session != nil
	c.sessionMu.Unlock()
	if !hasSession {
		return "no_session", ErrNoSession
	}
	if !c.cfg.Readiness.CompareAndSet(true, false) {
		return "busy", ErrBusy
	}
	return "", nil
}

// OnFrameReady implements [capture.Listener].
func (c *Coordinator) OnFrameReady(f *capture.Frame) {
	if !c.post(event{kind: evFrame, frame: f}) {
		f.Release()
	}
}

// OnSessionError implements [capture.Listener].
func (c *Coordinator) OnSessionError(err error) {
	c.post(event{kind: evSessionError, err: err})
}

// OnDeviceLost implements [capture.Listener].
func (c *Coordinator) OnDeviceLost(err error) {
	c.disabled.Store(true)
	c.post(event{kind: evDeviceLost, err: err})
}

// OnUtteranceDone receives speech completions. Wire it to the speech queue's
// completion callback.
func (c *Coordinator) OnUtteranceDone(id string, err error) {
	c.post(event{kind: evUtteranceDone, id: id, err: err})
}

// Shutdown stops the worker, aborts a cycle in flight and closes the capture
// session. It is safe to call more than once; later calls wait for the first
// to finish or ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })

	if c.started.Load() {
		select {
		case <-c.done:
		case <-ctx.Done():
			return fmt.Errorf("coordinator: shutdown: %w", ctx.Err())
		}
	}

	c.sessionMu.Lock()
	sess := c.session
	c.session = nil
	c.sessionMu.Unlock()

	var err error
	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			err = fmt.Errorf("coordinator: close session: %w", cerr)
		}
	}

	saved := make(chan struct{})
	go func() {
		c.saves.Wait()
		close(saved)
	}()
	select {
	case <-saved:
	case <-ctx.Done():
	}
	return err
}

// post delivers ev to the worker. It returns false once the coordinator is
// shutting down.
func (c *Coordinator) post(ev event) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

// run is the worker loop.
func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			c.drain()
			if c.cur != nil {
				c.finish(observe.OutcomeShutdown, ErrShutdown, false)
			}
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// drain releases frames still queued at shutdown.
func (c *Coordinator) drain() {
	for {
		select {
		case ev := <-c.events:
			if ev.frame != nil {
				ev.frame.Release()
			}
		default:
			return
		}
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev.kind {
	case evStart:
		c.begin(ev.source)
	case evFrame:
		c.process(ev.frame)
	case evSessionError:
		c.sessionError(ev.err)
	case evDeviceLost:
		c.deviceLost(ev.err)
	case evUtteranceDone:
		c.utteranceDone(ev.id, ev.err)
	case evCaptureTimeout:
		if c.cur != nil && c.cur.gen == ev.gen && c.State() == AwaitingFrame {
			c.finish(observe.OutcomeTimeout, fmt.Errorf("capture: no frame after %s", c.captureTimeout), true)
		}
	case evNarrationTimeout:
		if c.cur != nil && c.cur.gen == ev.gen && c.State() == Narrating {
			c.recordStage(observe.StageNarrate)
			c.finish(observe.OutcomeTimeout, fmt.Errorf("narration not finished after %s", c.narrationTimeout), true)
		}
	}
}

// begin moves Idle → AwaitingFrame.
func (c *Coordinator) begin(source string) {
	if c.cur != nil {
		// Readiness gating makes this unreachable; keep the invariant anyway.
		slog.Error("coordinator: start while cycle in flight", "cycle_id", c.cur.id)
		return
	}

	c.gen++
	now := time.Now()
	id := uuid.NewString()
	ctx := observe.WithCycle(context.Background(), id)
	ctx, span := observe.StartSpan(ctx, "coordinator.cycle",
		trace.WithAttributes(attribute.String("trigger.source", source)))
	c.cur = &cycle{id: id, gen: c.gen, ctx: ctx, span: span, started: now, stageAt: now}

	observe.Logger(ctx).Info("coordinator: cycle started", "source", source)
	c.setState(AwaitingFrame)
	c.showStatus(display.StatusBusy)
	c.cfg.Narrator.AnnounceShutter()

	c.sessionMu.Lock()
	sess := c.session
	c.sessionMu.Unlock()
	if sess == nil {
		c.finish(observe.OutcomeCaptureError, ErrNoSession, true)
		return
	}
	if err := sess.RequestFrame(ctx); err != nil {
		c.finish(observe.OutcomeCaptureError, fmt.Errorf("request frame: %w", err), true)
		return
	}
	c.arm(c.captureTimeout, evCaptureTimeout)
}

// process runs AwaitingFrame → Converting → Classifying → Narrating.
func (c *Coordinator) process(f *capture.Frame) {
	if c.cur == nil || c.State() != AwaitingFrame {
		f.Release()
		c.metrics.DroppedFrames.Add(context.Background(), 1)
		slog.Debug("coordinator: frame dropped", "state", c.State().String())
		return
	}
	cy := c.cur
	if !f.Timestamp.IsZero() && f.Timestamp.Before(cy.started) {
		// Requested by an earlier, aborted cycle.
		f.Release()
		c.metrics.DroppedFrames.Add(context.Background(), 1)
		observe.Logger(cy.ctx).Debug("coordinator: stale frame dropped",
			"frame_age", cy.started.Sub(f.Timestamp))
		return
	}
	c.disarm()
	c.recordStage(observe.StageCapture)
	log := observe.Logger(cy.ctx)

	c.setState(Converting)
	buf, err := c.convert(f)
	if err != nil {
		c.finish(observe.OutcomeConvertError, err, true)
		return
	}
	c.recordStage(observe.StageConvert)

	c.setState(Classifying)
	recs, err := c.classify(cy.ctx, buf)
	if err != nil {
		c.finish(observe.OutcomeClassifyErr, err, true)
		return
	}
	c.recordStage(observe.StageClassify)
	cy.recs = recs
	if s, ok := c.cfg.Classifier.(classifier.Scorer); ok {
		cy.scores = s.LastScores()
	}
	args := []any{"results", display.Summary(recs)}
	if r, ok := c.cfg.Classifier.(classifier.Router); ok && r.LastServed() != "" {
		args = append(args, "backend", r.LastServed())
	}
	log.Info("coordinator: classified", args...)

	if c.display != nil {
		c.display.ShowImage(c.cfg.Converter.Image())
		c.display.ShowResults(recs)
	}

	c.setState(Narrating)
	last := c.cfg.Narrator.DescribeResults(recs)
	if last == "" || WaitMode(c.waitMode.Load()) == WaitImmediate {
		c.recordStage(observe.StageNarrate)
		c.finish(observe.OutcomeSuccess, nil, true)
		return
	}
	cy.awaitID = last
	c.arm(c.narrationTimeout, evNarrationTimeout)
}

// convert converts f and releases it on every path.
func (c *Coordinator) convert(f *capture.Frame) (buf *preprocess.Buffer, err error) {
	defer f.Release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("convert: panic: %v", r)
		}
	}()
	buf, err = c.cfg.Converter.Convert(f)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	return buf, nil
}

func (c *Coordinator) classify(ctx context.Context, buf *preprocess.Buffer) (recs []classifier.Recognition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", classifier.ErrClassifier, r)
		}
	}()
	ctx, span := observe.StartSpan(ctx, "classifier.classify")
	defer span.End()

	// Shutdown unblocks a long inference call.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	recs, err = c.cfg.Classifier.Classify(ctx, buf)
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, "classifier", "classify", "error")
		c.metrics.RecordProviderError(ctx, "classifier", "classify")
		span.RecordError(err)
		return nil, fmt.Errorf("classify: %w", err)
	}
	c.metrics.RecordProviderRequest(ctx, "classifier", "classify", "ok")
	return recs, nil
}

func (c *Coordinator) sessionError(err error) {
	if c.cur == nil || c.State() != AwaitingFrame {
		slog.Warn("coordinator: session error outside capture", "err", err)
		return
	}
	c.disarm()
	c.finish(observe.OutcomeCaptureError, fmt.Errorf("%w: %w", capture.ErrSessionConfig, err), true)
}

func (c *Coordinator) deviceLost(err error) {
	slog.Error("coordinator: capture device lost, triggers disabled", "device", c.cfg.Device.Name(), "err", err)
	c.sessionMu.Lock()
	sess := c.session
	c.session = nil
	c.sessionMu.Unlock()
	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			slog.Warn("coordinator: close session", "err", cerr)
		}
	}

	if c.cur != nil && c.State() == AwaitingFrame {
		c.disarm()
		c.finish(observe.OutcomeCaptureError, fmt.Errorf("%w: %w", capture.ErrDeviceUnavailable, err), true)
	}
	if c.cur == nil {
		c.cfg.Readiness.Set(false)
	}
}

func (c *Coordinator) utteranceDone(id string, err error) {
	if c.cur == nil || c.State() != Narrating || id != c.cur.awaitID {
		return
	}
	c.disarm()
	c.recordStage(observe.StageNarrate)
	if err != nil {
		observe.Logger(c.cur.ctx).Warn("coordinator: narration failed", "err", err)
	}
	c.finish(observe.OutcomeSuccess, nil, true)
}

// finish closes the current cycle and returns to Idle. Readiness is restored
// unless restore is false or the device is gone.
func (c *Coordinator) finish(outcome string, cause error, restore bool) {
	cy := c.cur
	c.disarm()
	c.cur = nil
	c.setState(Idle)

	end := time.Now()
	elapsed := end.Sub(cy.started)
	log := observe.Logger(cy.ctx)
	if cause != nil {
		cy.span.RecordError(cause)
		log.Warn("coordinator: cycle aborted", "outcome", outcome, "err", cause, "elapsed", elapsed)
		if outcome != observe.OutcomeShutdown {
			c.showStatus(display.StatusFailed)
		}
	} else {
		log.Info("coordinator: cycle finished", "elapsed", elapsed)
	}
	cy.span.SetAttributes(attribute.String("cycle.outcome", outcome))
	cy.span.End()
	c.metrics.RecordCycle(cy.ctx, outcome, elapsed.Seconds())

	c.save(cy, outcome, cause, end)

	if restore && !c.disabled.Load() {
		c.cfg.Readiness.Set(true)
	} else if c.disabled.Load() {
		c.cfg.Readiness.Set(false)
	}
}

func (c *Coordinator) save(cy *cycle, outcome string, cause error, end time.Time) {
	if c.recorder == nil {
		return
	}
	rec := history.Record{
		ID:           cy.id,
		StartedAt:    cy.started,
		FinishedAt:   end,
		Outcome:      outcome,
		Recognitions: cy.recs,
		Scores:       cy.scores,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	c.saves.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.recorder.Save(ctx, rec); err != nil {
			slog.Warn("coordinator: save history", "cycle_id", rec.ID, "err", err)
		}
	})
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Coordinator) recordStage(stage string) {
	if c.cur == nil {
		return
	}
	now := time.Now()
	c.metrics.RecordStage(c.cur.ctx, stage, now.Sub(c.cur.stageAt).Seconds())
	c.cur.stageAt = now
}

// arm starts the watchdog for the current cycle.
func (c *Coordinator) arm(d time.Duration, kind eventKind) {
	c.disarm()
	gen := c.cur.gen
	c.cur.watchdog = time.AfterFunc(d, func() {
		c.post(event{kind: kind, gen: gen})
	})
}

func (c *Coordinator) disarm() {
	if c.cur != nil && c.cur.watchdog != nil {
		c.cur.watchdog.Stop()
		c.cur.watchdog = nil
	}
}

func (c *Coordinator) showStatus(text string) {
	if c.display != nil {
		c.display.ShowStatus(text)
	}
}

var _ capture.Listener = (*Coordinator)(nil)
