// Package gst implements capture.Device for V4L2 cameras through a GStreamer
// pipeline:
//
//	v4l2src → videoconvert → videoscale → capsfilter(I420, WxH) → appsink
//
// The pipeline runs while a session is open; the appsink keeps only the
// latest buffer. A RequestFrame arms a one-shot latch and the next sample
// pulled from the appsink is copied into a [capture.Frame] and handed to the
// listener. Bus errors are reported as a lost device.
//
// Building this package requires the GStreamer development headers (cgo).
package gst

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/MrWong99/seesay/pkg/capture"
)

var (
	_ capture.Device  = (*Device)(nil)
	_ capture.Session = (*session)(nil)
)

// DefaultResolutions are the still sizes advertised when none are configured.
// Most UVC webcams support all of them.
var DefaultResolutions = []capture.Resolution{
	{Width: 320, Height: 240},
	{Width: 640, Height: 480},
	{Width: 800, Height: 600},
	{Width: 1280, Height: 720},
	{Width: 1280, Height: 960},
	{Width: 1920, Height: 1080},
}

// busPollInterval bounds how long the bus monitor blocks before checking for
// shutdown.
const busPollInterval = 50 * time.Millisecond

var initOnce sync.Once

// Option configures a [Device].
type Option func(*Device)

// WithResolutions overrides the advertised resolutions.
func WithResolutions(res ...capture.Resolution) Option {
	return func(d *Device) {
		if len(res) > 0 {
			d.resolutions = slices.Clone(res)
		}
	}
}

// WithStartTimeout bounds how long Open waits for the pipeline to reach
// PLAYING. Default 5s.
func WithStartTimeout(dt time.Duration) Option {
	return func(d *Device) {
		if dt > 0 {
			d.startTimeout = dt
		}
	}
}

// Device is a V4L2 camera accessed through GStreamer.
type Device struct {
	path         string
	resolutions  []capture.Resolution
	startTimeout time.Duration

	mu     sync.Mutex
	active *session
	closed bool
}

// New returns a device for the V4L2 node at path (e.g. "/dev/video0").
func New(path string, opts ...Option) (*Device, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: gst: device path must not be empty", capture.ErrDeviceUnavailable)
	}
	initOnce.Do(func() { gst.Init(nil) })
	d := &Device{
		path:         path,
		resolutions:  slices.Clone(DefaultResolutions),
		startTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Name implements capture.Device.
func (d *Device) Name() string { return d.path }

// Resolutions implements capture.Device.
func (d *Device) Resolutions(_ context.Context) ([]capture.Resolution, error) {
	return slices.Clone(d.resolutions), nil
}

// Open builds and starts the pipeline at res.
func (d *Device) Open(ctx context.Context, res capture.Resolution, l capture.Listener) (capture.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, capture.ErrDeviceUnavailable
	}
	if d.active != nil {
		return nil, fmt.Errorf("%w: gst: %s already has an open session", capture.ErrSessionConfig, d.path)
	}

	s := &session{
		dev:      d,
		res:      res,
		listener: l,
		done:     make(chan struct{}),
	}
	if err := s.build(); err != nil {
		return nil, err
	}
	if err := s.start(ctx, d.startTimeout); err != nil {
		_ = s.pipeline.SetState(gst.StateNull)
		return nil, err
	}
	d.active = s
	return s, nil
}

// Close stops any open session and marks the device unusable.
func (d *Device) Close() error {
	d.mu.Lock()
	s := d.active
	d.closed = true
	d.mu.Unlock()
	if s != nil {
		return s.Close()
	}
	return nil
}

type session struct {
	dev      *Device
	res      capture.Resolution
	listener capture.Listener

	pipeline *gst.Pipeline
	sink     *app.Sink

	armed     atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *session) build() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("%w: gst: create pipeline: %v", capture.ErrSessionConfig, err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("%w: gst: create v4l2src: %v", capture.ErrDeviceUnavailable, err)
	}
	src.SetProperty("device", s.dev.path)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("%w: gst: create videoconvert: %v", capture.ErrSessionConfig, err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("%w: gst: create videoscale: %v", capture.ErrSessionConfig, err)
	}
	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("%w: gst: create capsfilter: %v", capture.ErrSessionConfig, err)
	}
	filter.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d", s.res.Width, s.res.Height)))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("%w: gst: create appsink: %v", capture.ErrSessionConfig, err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.AddMany(src, convert, scale, filter, sink.Element); err != nil {
		return fmt.Errorf("%w: gst: add elements: %v", capture.ErrSessionConfig, err)
	}
	if err := gst.ElementLinkMany(src, convert, scale, filter, sink.Element); err != nil {
		return fmt.Errorf("%w: gst: link elements: %v", capture.ErrSessionConfig, err)
	}

	s.pipeline = pipeline
	s.sink = sink
	return nil
}

func (s *session) start(ctx context.Context, timeout time.Duration) error {
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("%w: gst: start pipeline: %v", capture.ErrDeviceUnavailable, err)
	}

	bus := s.pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("%w: gst: %s: %s", capture.ErrDeviceUnavailable, gerr.Error(), gerr.DebugString())
		case gst.MessageStateChanged:
			if msg.Source() != s.pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				slog.Info("gst: pipeline playing", "device", s.dev.path, "resolution", s.res)
				s.wg.Add(1)
				go s.monitor()
				return nil
			}
		}
	}
	return fmt.Errorf("%w: gst: pipeline did not reach PLAYING within %s", capture.ErrSessionConfig, timeout)
}

// monitor watches the bus until the session closes. Errors and EOS mean the
// camera is gone.
func (s *session) monitor() {
	defer s.wg.Done()
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.listener.OnDeviceLost(fmt.Errorf("%w: gst: end of stream", capture.ErrDeviceUnavailable))
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("gst: pipeline error", "device", s.dev.path, "err", gerr.Error(), "debug", gerr.DebugString())
			s.listener.OnDeviceLost(fmt.Errorf("%w: gst: %s", capture.ErrDeviceUnavailable, gerr.Error()))
			return
		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			slog.Warn("gst: pipeline warning", "device", s.dev.path, "warning", gerr.Error())
		}
	}
}

func (s *session) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	if !s.armed.CompareAndSwap(true, false) {
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		s.listener.OnSessionError(fmt.Errorf("gst: sample without buffer"))
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		s.listener.OnSessionError(fmt.Errorf("gst: empty buffer"))
		return gst.FlowOK
	}
	// The buffer is recycled by GStreamer once we return.
	owned := make([]byte, len(data))
	copy(owned, data)
	buffer.Unmap()

	frame, err := I420Frame(s.res.Width, s.res.Height, owned)
	if err != nil {
		s.listener.OnSessionError(err)
		return gst.FlowOK
	}
	s.listener.OnFrameReady(frame)
	return gst.FlowOK
}

func (s *session) RequestFrame(_ context.Context) error {
	if s.closed.Load() {
		return capture.ErrSessionClosed
	}
	s.armed.Store(true)
	return nil
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()
		if e := s.pipeline.SetState(gst.StateNull); e != nil {
			err = fmt.Errorf("gst: stop pipeline: %w", e)
		}
		s.dev.mu.Lock()
		if s.dev.active == s {
			s.dev.active = nil
		}
		s.dev.mu.Unlock()
	})
	return err
}

func roundUp(v, n int) int { return (v + n - 1) / n * n }

// I420Frame wraps a tightly packed GStreamer I420 buffer (rows aligned to four
// bytes) as a three-plane [capture.Frame] without copying.
func I420Frame(width, height int, data []byte) (*capture.Frame, error) {
	yStride := roundUp(width, 4)
	cStride := roundUp(roundUp(width, 2)/2, 4)
	yRows := roundUp(height, 2)
	cRows := yRows / 2

	uOff := yStride * yRows
	vOff := uOff + cStride*cRows
	end := vOff + cStride*cRows
	if len(data) < end {
		return nil, fmt.Errorf("gst: I420 buffer has %d bytes, want %d for %dx%d", len(data), end, width, height)
	}
	return capture.NewFrame(width, height, capture.FormatYUV420, []capture.Plane{
		{Data: data[:uOff], RowStride: yStride, PixelStride: 1},
		{Data: data[uOff:vOff], RowStride: cStride, PixelStride: 1},
		{Data: data[vOff:end], RowStride: cStride, PixelStride: 1},
	}, nil), nil
}
