// Package mock provides a test double for capture.Device and capture.Session.
//
// The mock never produces frames on its own unless AutoFrame is set. Tests
// drive the listener explicitly through [Device.Listener] or the helper
// methods [Device.DeliverFrame], [Device.FailSession] and [Device.LoseDevice].
//
// Example:
//
//	d := &mock.Device{
//	    ResolutionsResult: []capture.Resolution{{Width: 1280, Height: 960}},
//	    AutoFrame: func() *capture.Frame { return mock.RGBAFrame(1280, 960) },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/seesay/pkg/capture"
)

// OpenCall records a single invocation of Open.
type OpenCall struct {
	Resolution capture.Resolution
	Listener   capture.Listener
}

// Device is a mock implementation of capture.Device.
type Device struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// DeviceName is returned by Name. Defaults to "mock".
	DeviceName string

	// ResolutionsResult is returned by Resolutions.
	ResolutionsResult []capture.Resolution

	// ResolutionsErr, if non-nil, is returned by Resolutions.
	ResolutionsErr error

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// RequestErr, if non-nil, is returned by Session.RequestFrame.
	RequestErr error

	// AutoFrame, if set, is called on every successful RequestFrame and the
	// returned frame is delivered to the listener on a new goroutine.
	AutoFrame func() *capture.Frame

	// --- Call records ---

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// RequestCalls counts successful and failed RequestFrame calls.
	RequestCalls int

	// CloseCalls counts Close calls on the device.
	CloseCalls int

	// SessionCloseCalls counts Close calls on sessions.
	SessionCloseCalls int

	listener capture.Listener
}

// Name implements capture.Device.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DeviceName == "" {
		return "mock"
	}
	return d.DeviceName
}

// Resolutions implements capture.Device.
func (d *Device) Resolutions(_ context.Context) ([]capture.Resolution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ResolutionsResult, d.ResolutionsErr
}

// Open records the call and returns a session bound to l.
func (d *Device) Open(_ context.Context, res capture.Resolution, l capture.Listener) (capture.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Resolution: res, Listener: l})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.listener = l
	return &Session{dev: d}, nil
}

// Close implements capture.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	return nil
}

// Listener returns the listener passed to the most recent Open.
func (d *Device) Listener() capture.Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listener
}

// Requests returns the number of RequestFrame calls so far.
func (d *Device) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.RequestCalls
}

// DeliverFrame hands f to the current listener synchronously.
func (d *Device) DeliverFrame(f *capture.Frame) {
	if l := d.Listener(); l != nil {
		l.OnFrameReady(f)
	}
}

// FailSession reports err to the current listener as a session error.
func (d *Device) FailSession(err error) {
	if l := d.Listener(); l != nil {
		l.OnSessionError(err)
	}
}

// LoseDevice reports err to the current listener as a lost device.
func (d *Device) LoseDevice(err error) {
	if l := d.Listener(); l != nil {
		l.OnDeviceLost(err)
	}
}

// Session is the capture.Session returned by [Device.Open].
type Session struct {
	dev *Device

	mu     sync.Mutex
	closed bool
}

// RequestFrame records the call and, when AutoFrame is set, delivers a frame
// asynchronously.
func (s *Session) RequestFrame(_ context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return capture.ErrSessionClosed
	}

	d := s.dev
	d.mu.Lock()
	d.RequestCalls++
	err := d.RequestErr
	auto := d.AutoFrame
	l := d.listener
	d.mu.Unlock()

	if err != nil {
		return err
	}
	if auto != nil && l != nil {
		go l.OnFrameReady(auto())
	}
	return nil
}

// Close implements capture.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.dev.mu.Lock()
	s.dev.SessionCloseCalls++
	s.dev.mu.Unlock()
	return nil
}

// RGBAFrame returns a mid-grey packed RGBA frame of the given size.
func RGBAFrame(width, height int) *capture.Frame {
	data := make([]byte, width*height*4)
	for i := range data {
		data[i] = 128
	}
	return capture.NewFrame(width, height, capture.FormatRGBA,
		[]capture.Plane{{Data: data, RowStride: width * 4, PixelStride: 4}}, nil)
}

// YUVFrame returns a planar YUV420 frame filled with the given sample values.
func YUVFrame(width, height int, y, cb, cr byte) *capture.Frame {
	cw, ch := (width+1)/2, (height+1)/2
	fill := func(n int, v byte) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = v
		}
		return b
	}
	return capture.NewFrame(width, height, capture.FormatYUV420, []capture.Plane{
		{Data: fill(width*height, y), RowStride: width, PixelStride: 1},
		{Data: fill(cw*ch, cb), RowStride: cw, PixelStride: 1},
		{Data: fill(cw*ch, cr), RowStride: cw, PixelStride: 1},
	}, nil)
}

var (
	_ capture.Device  = (*Device)(nil)
	_ capture.Session = (*Session)(nil)
)
