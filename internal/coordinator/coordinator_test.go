package coordinator_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/seesay/internal/coordinator"
	"github.com/MrWong99/seesay/internal/display"
	"github.com/MrWong99/seesay/internal/history"
	"github.com/MrWong99/seesay/internal/observe"
	"github.com/MrWong99/seesay/internal/readiness"
	"github.com/MrWong99/seesay/pkg/capture"
	capturemock "github.com/MrWong99/seesay/pkg/capture/mock"
	"github.com/MrWong99/seesay/pkg/preprocess"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
	classifiermock "github.com/MrWong99/seesay/pkg/provider/classifier/mock"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// narrator records calls and hands out sequential line IDs.
type narrator struct {
	mu        sync.Mutex
	silent    bool
	next      int
	described [][]classifier.Recognition
	shutters  int
	readies   int
}

func (n *narrator) id() string {
	if n.silent {
		return ""
	}
	n.next++
	return fmt.Sprintf("u%d", n.next)
}

func (n *narrator) AnnounceReady() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.readies++
	return n.id()
}

func (n *narrator) AnnounceShutter() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shutters++
	return n.id()
}

func (n *narrator) DescribeResults(recs []classifier.Recognition) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.described = append(n.described, recs)
	return n.id()
}

func (n *narrator) lastID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fmt.Sprintf("u%d", n.next)
}

func (n *narrator) descriptions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.described)
}

// sink records display updates.
type sink struct {
	mu      sync.Mutex
	status  []string
	images  int
	results [][]classifier.Recognition
}

func (s *sink) ShowStatus(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, text)
}

func (s *sink) ShowImage(image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images++
}

func (s *sink) ShowResults(recs []classifier.Recognition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, recs)
}

type fixture struct {
	dev      *capturemock.Device
	cls      *classifiermock.Provider
	narrator *narrator
	ready    *readiness.Signal
	sink     *sink
	history  *history.Memory
	coord    *coordinator.Coordinator
}

func newFixture(t *testing.T, opts ...coordinator.Option) *fixture {
	t.Helper()

	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatal(err)
	}
	conv, err := preprocess.New(preprocess.Config{OutputSide: 8, Mean: 117, Std: 1})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		dev: &capturemock.Device{ResolutionsResult: []capture.Resolution{{Width: 64, Height: 48}}},
		cls: &classifiermock.Provider{
			Results: []classifier.Recognition{{ID: "1", Label: "cat", Confidence: 0.9}},
			Scores:  []float32{0.05, 0.9, 0.05},
		},
		narrator: &narrator{},
		ready:    readiness.New(readiness.WithMetrics(m)),
		sink:     &sink{},
		history:  history.NewMemory(0),
	}

	all := append([]coordinator.Option{
		coordinator.WithMetrics(m),
		coordinator.WithDisplay(f.sink),
		coordinator.WithRecorder(f.history),
	}, opts...)
	f.coord, err = coordinator.New(coordinator.Config{
		Device:     f.dev,
		Resolution: capture.Resolution{Width: 64, Height: 48},
		Converter:  conv,
		Classifier: f.cls,
		Narrator:   f.narrator,
		Readiness:  f.ready,
	}, all...)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.coord.Shutdown(ctx)
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// trackedFrame returns an RGBA frame whose release calls are counted.
func trackedFrame(w, h int, releases *atomic.Int32) *capture.Frame {
	data := make([]byte, w*h*4)
	return capture.NewFrame(w, h, capture.FormatRGBA,
		[]capture.Plane{{Data: data, RowStride: w * 4, PixelStride: 4}},
		func() { releases.Add(1) })
}

func (f *fixture) waitRecord(t *testing.T) history.Record {
	t.Helper()
	waitFor(t, "history record", func() bool { return f.history.Len() > 0 })
	recs, _ := f.history.Recent(context.Background(), 1)
	return recs[0]
}

func TestStart_ReadyAndAnnounced(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if !f.ready.Ready() {
		t.Error("not ready after Start")
	}
	if f.narrator.readies != 1 {
		t.Errorf("ready announcements = %d, want 1", f.narrator.readies)
	}
	if f.coord.State() != coordinator.Idle {
		t.Errorf("state = %s, want idle", f.coord.State())
	}
}

func TestStart_OpenFailure(t *testing.T) {
	t.Parallel()

	dev := &capturemock.Device{OpenErr: capture.ErrSessionConfig}
	conv, _ := preprocess.New(preprocess.Config{OutputSide: 8})
	m, _ := observe.NewMetrics(sdkmetric.NewMeterProvider())
	c, err := coordinator.New(coordinator.Config{
		Device: dev, Converter: conv, Classifier: &classifiermock.Provider{},
		Narrator: &narrator{}, Readiness: readiness.New(readiness.WithMetrics(m)),
	}, coordinator.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, capture.ErrSessionConfig) {
		t.Fatalf("Start err = %v, want ErrSessionConfig", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown after failed start: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := coordinator.New(coordinator.Config{}); err == nil {
		t.Fatal("New accepted an empty config")
	}
}

func TestCycle_SuccessWaitsForNarration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var releases atomic.Int32
	f.dev.AutoFrame = func() *capture.Frame { return trackedFrame(64, 48, &releases) }

	if err := f.coord.Trigger("test"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "narration", func() bool { return f.narrator.descriptions() == 1 })
	waitFor(t, "narrating state", func() bool { return f.coord.State() == coordinator.Narrating })

	if f.ready.Ready() {
		t.Fatal("ready before narration finished")
	}
	if got := releases.Load(); got != 1 {
		t.Errorf("frame released %d times, want 1", got)
	}

	// Completions for other lines are ignored.
	f.coord.OnUtteranceDone("unrelated", nil)
	time.Sleep(20 * time.Millisecond)
	if f.ready.Ready() {
		t.Fatal("ready after an unrelated completion")
	}

	f.coord.OnUtteranceDone(f.narrator.lastID(), nil)
	waitFor(t, "readiness", f.ready.Ready)

	rec := f.waitRecord(t)
	if rec.Outcome != observe.OutcomeSuccess || len(rec.Recognitions) != 1 || len(rec.Scores) != 3 {
		t.Errorf("history record = %+v", rec)
	}

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if f.sink.images != 1 || len(f.sink.results) != 1 {
		t.Errorf("display got %d images, %d results", f.sink.images, len(f.sink.results))
	}
	if f.sink.status[len(f.sink.status)-1] != display.StatusBusy {
		t.Errorf("last status = %q, want busy text", f.sink.status[len(f.sink.status)-1])
	}
}

func TestCycle_ImmediateMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, coordinator.WithWaitMode(coordinator.WaitImmediate))
	f.dev.AutoFrame = func() *capture.Frame { return capturemock.RGBAFrame(64, 48) }

	if err := f.coord.Trigger("test"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "narration", func() bool { return f.narrator.descriptions() == 1 })
	waitFor(t, "readiness", f.ready.Ready)
}

func TestCycle_SilentNarratorRestoresImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.narrator.mu.Lock()
	f.narrator.silent = true
	f.narrator.mu.Unlock()
	f.dev.AutoFrame = func() *capture.Frame { return capturemock.RGBAFrame(64, 48) }

	if err := f.coord.Trigger("test"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "readiness", func() bool { return f.narrator.descriptions() == 1 && f.ready.Ready() })
}

func TestCycle_FailuresRestoreReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		setup        func(f *fixture)
		drive        func(f *fixture, releases *atomic.Int32)
		outcome      string
		wantReleases int32
	}{
		{
			name:    "request fails",
			setup:   func(f *fixture) { f.dev.RequestErr = errors.New("busy sensor") },
			outcome: observe.OutcomeCaptureError,
		},
		{
			name:    "session error",
			drive:   func(f *fixture, _ *atomic.Int32) { f.dev.FailSession(errors.New("timeout")) },
			outcome: observe.OutcomeCaptureError,
		},
		{
			name: "conversion fails",
			drive: func(f *fixture, releases *atomic.Int32) {
				// Plane far too small for 64x48.
				f.dev.DeliverFrame(capture.NewFrame(64, 48, capture.FormatRGBA,
					[]capture.Plane{{Data: make([]byte, 16), RowStride: 256, PixelStride: 4}},
					func() { releases.Add(1) }))
			},
			outcome:      observe.OutcomeConvertError,
			wantReleases: 1,
		},
		{
			name: "classifier fails",
			setup: func(f *fixture) {
				f.cls.SetResults(nil, fmt.Errorf("%w: tensor mismatch", classifier.ErrClassifier))
			},
			drive: func(f *fixture, releases *atomic.Int32) {
				f.dev.DeliverFrame(trackedFrame(64, 48, releases))
			},
			outcome:      observe.OutcomeClassifyErr,
			wantReleases: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			if err := f.coord.Trigger("test"); err != nil {
				t.Fatal(err)
			}
			var releases atomic.Int32
			if tt.drive != nil {
				waitFor(t, "capture request", func() bool { return f.coord.State() == coordinator.AwaitingFrame })
				tt.drive(f, &releases)
			}

			rec := f.waitRecord(t)
			if rec.Outcome != tt.outcome {
				t.Errorf("outcome = %q, want %q (err %s)", rec.Outcome, tt.outcome, rec.Error)
			}
			if got := releases.Load(); got != tt.wantReleases {
				t.Errorf("frame released %d times, want %d", got, tt.wantReleases)
			}
			waitFor(t, "readiness", f.ready.Ready)
			if f.coord.State() != coordinator.Idle {
				t.Errorf("state = %s, want idle", f.coord.State())
			}
			if n := f.narrator.descriptions(); n != 0 {
				t.Errorf("narrated %d times after a failed cycle", n)
			}
		})
	}
}

func TestCycle_CaptureWatchdog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, coordinator.WithCaptureTimeout(30*time.Millisecond))
	if err := f.coord.Trigger("test"); err != nil {
		t.Fatal(err)
	}
	rec := f.waitRecord(t)
	if rec.Outcome != observe.OutcomeTimeout {
		t.Errorf("outcome = %q, want timeout", rec.Outcome)
	}
	waitFor(t, "readiness", f.ready.Ready)

	// A frame arriving after the watchdog fired is released and ignored.
	var releases atomic.Int32
	f.dev.DeliverFrame(trackedFrame(64, 48, &releases))
	waitFor(t, "late frame release", func() bool { return releases.Load() == 1 })
	if f.cls.Calls() != 0 {
		t.Error("late frame was classified")
	}
}

func TestCycle_FrameFromAbortedCycleIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.coord.Trigger("test"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "capture request", func() bool { return f.coord.State() == coordinator.AwaitingFrame })
	f.dev.FailSession(errors.New("sensor hiccup"))
	f.waitRecord(t)
	waitFor(t, "readiness", f.ready.Ready)

	// The first cycle's frame shows up only after the next trigger.
	var staleReleases atomic.Int32
	stale := trackedFrame(64, 48, &staleReleases)
	stale.Timestamp = time.Now().Add(-time.Second)

	if err := f.coord.Trigger("test"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second capture request", func() bool { return f.dev.Requests() == 2 && f.coord.State() == coordinator.AwaitingFrame })
	f.dev.DeliverFrame(stale)
	waitFor(t, "stale frame release", func() bool { return staleReleases.Load() == 1 })
	if n := f.cls.Calls(); n != 0 {
		t.Fatalf("classifier called %d times for a stale frame", n)
	}
	if s := f.coord.State(); s != coordinator.AwaitingFrame {
		t.Fatalf("state after stale frame = %s, want awaiting frame", s)
	}

	var releases atomic.Int32
	f.dev.DeliverFrame(trackedFrame(64, 48, &releases))
	waitFor(t, "narration of the fresh frame", func() bool { return f.narrator.descriptions() == 1 })
	if n := f.cls.Calls(); n != 1 {
		t.Errorf("classifier called %d times, want 1", n)
	}
	if releases.Load() != 1 || staleReleases.Load() != 1 {
		t.Errorf("releases = %d fresh, %d stale; want 1 each", releases.Load(), staleReleases.Load())
	}
}

// lockedBuffer is a log sink shared with the coordinator goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCycle_LogsServingBackend(t *testing.T) {
	// Not parallel: swaps the default logger.
	var out lockedBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&out, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	tests := []struct {
		name   string
		served string
		want   string
	}{
		{"fallback backend", "remote", "backend=remote"},
		{"single backend", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cls.Served = tt.served
			f.dev.AutoFrame = func() *capture.Frame { return capturemock.RGBAFrame(64, 48) }
			if err := f.coord.Trigger("test"); err != nil {
				t.Fatal(err)
			}
			waitFor(t, "narration", func() bool { return f.narrator.descriptions() == 1 })

			var line string
			for l := range strings.Lines(out.String()) {
				if strings.Contains(l, "coordinator: classified") {
					line = l
				}
			}
			if line == "" {
				t.Fatalf("no classified log line in:\n%s", out.String())
			}
			if tt.want != "" && !strings.Contains(line, tt.want) {
				t.Errorf("classified line = %q, want %q", line, tt.want)
			}
			if tt.want == "" && strings.Contains(line, "backend=") {
				t.Errorf("classified line = %q, want no backend", line)
			}
		})
	}
}

func TestCycle_NarrationWatchdog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, coordinator.WithNarrationTimeout(30*time.Millisecond))
	f.dev.AutoFrame = func() *capture.Frame { return capturemock.RGBAFrame(64, 48) }
	if err := f.coord.Trigger("test"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "readiness after watchdog", func() bool {
		return f.narrator.descriptions() == 1 && f.ready.Ready()
	})
}

func TestTrigger_WhileBusyIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	if err := f.coord.Trigger("button"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := f.coord.Trigger("button"); !errors.Is(err, coordinator.ErrBusy) {
		t.Fatalf("second trigger err = %v, want ErrBusy", err)
	}
	waitFor(t, "capture request", func() bool { return f.dev.Requests() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := f.dev.Requests(); n != 1 {
		t.Errorf("capture requests = %d, want 1", n)
	}

	f.dev.DeliverFrame(capturemock.RGBAFrame(64, 48))
	waitFor(t, "narration", func() bool { return f.narrator.descriptions() == 1 })
	f.coord.OnUtteranceDone(f.narrator.lastID(), nil)
	waitFor(t, "readiness", f.ready.Ready)

	if err := f.coord.Trigger("button"); err != nil {
		t.Errorf("trigger after cycle: %v", err)
	}
}

func TestTrigger_ConcurrentAcceptsOne(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			if f.coord.Trigger("stress") == nil {
				accepted.Add(1)
			}
		})
	}
	wg.Wait()
	if n := accepted.Load(); n != 1 {
		t.Errorf("accepted %d triggers, want 1", n)
	}
}

func TestFrame_SecondFrameDropped(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	f := newFixture(t)
	f.cls.Block = block

	if err := f.coord.Trigger("test"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "capture request", func() bool { return f.coord.State() == coordinator.AwaitingFrame })

	var first, second atomic.Int32
	f.dev.DeliverFrame(trackedFrame(64, 48, &first))
	waitFor(t, "classifying", func() bool { return f.coord.State() == coordinator.Classifying })
	go f.dev.DeliverFrame(trackedFrame(64, 48, &second))
	close(block)

	waitFor(t, "second frame release", func() bool { return second.Load() == 1 })
	if first.Load() != 1 {
		t.Errorf("first frame released %d times, want 1", first.Load())
	}
	if f.cls.Calls() != 1 {
		t.Errorf("classify calls = %d, want 1", f.cls.Calls())
	}
}

func TestDeviceLost_DisablesTriggers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.coord.Trigger("test"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "capture request", func() bool { return f.coord.State() == coordinator.AwaitingFrame })
	f.dev.LoseDevice(capture.ErrDeviceUnavailable)

	rec := f.waitRecord(t)
	if rec.Outcome != observe.OutcomeCaptureError {
		t.Errorf("outcome = %q", rec.Outcome)
	}
	waitFor(t, "idle", func() bool { return f.coord.State() == coordinator.Idle })
	if f.ready.Ready() {
		t.Error("ready after the device was lost")
	}
	if !f.coord.Disabled() {
		t.Error("coordinator not disabled")
	}
	if err := f.coord.Trigger("test"); !errors.Is(err, coordinator.ErrDisabled) {
		t.Errorf("trigger err = %v, want ErrDisabled", err)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.coord.Trigger("test"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "capture request", func() bool { return f.coord.State() == coordinator.AwaitingFrame })

	ctx := context.Background()
	if err := f.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.coord.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	rec := f.waitRecord(t)
	if rec.Outcome != observe.OutcomeShutdown {
		t.Errorf("outcome = %q, want shutdown", rec.Outcome)
	}
	if f.dev.SessionCloseCalls != 1 {
		t.Errorf("session closed %d times, want 1", f.dev.SessionCloseCalls)
	}
	if err := f.coord.Trigger("test"); !errors.Is(err, coordinator.ErrShutdown) {
		t.Errorf("trigger after shutdown err = %v, want ErrShutdown", err)
	}

	// Frames delivered after shutdown are released.
	var releases atomic.Int32
	f.coord.OnFrameReady(trackedFrame(8, 8, &releases))
	if releases.Load() != 1 {
		t.Error("frame after shutdown not released")
	}
}

func TestParseWaitMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    coordinator.WaitMode
		wantErr bool
	}{
		{"", coordinator.WaitNarration, false},
		{"narration", coordinator.WaitNarration, false},
		{" Immediate ", coordinator.WaitImmediate, false},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := coordinator.ParseWaitMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseWaitMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
