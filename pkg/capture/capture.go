// Package capture defines the still-image capture boundary: a [Device] that
// opens a [Session] at a chosen [Resolution] and delivers each captured
// [Frame] to a [Listener].
//
// Implementations live in sub-packages (gst for V4L2 cameras through
// GStreamer, filecam for a directory of images, mock for tests).
package capture

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable is returned when the camera cannot be opened or
	// has disappeared.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrSessionConfig is returned when a capture session cannot be
	// configured with the requested parameters.
	ErrSessionConfig = errors.New("capture: session configuration failed")

	// ErrSessionClosed is returned by [Session.RequestFrame] after the
	// session was closed.
	ErrSessionClosed = errors.New("capture: session closed")
)

// Listener receives asynchronous capture events. Implementations must not
// block; they typically post an event to their own queue and return.
type Listener interface {
	// OnFrameReady hands over ownership of a captured frame.
	OnFrameReady(f *Frame)

	// OnSessionError reports that an outstanding capture failed. The
	// session may still be usable for further requests.
	OnSessionError(err error)

	// OnDeviceLost reports that the device disconnected or errored
	// permanently. No further frames will arrive.
	OnDeviceLost(err error)
}

// Device is a camera that can list its resolutions and open a session.
type Device interface {
	// Name identifies the device in logs (e.g. "/dev/video0").
	Name() string

	// Resolutions lists the still-capture sizes the device supports.
	Resolutions(ctx context.Context) ([]Resolution, error)

	// Open configures a capture session at res. Frames and errors are
	// delivered to l until the session is closed.
	Open(ctx context.Context, res Resolution, l Listener) (Session, error)

	// Close releases the device. Idempotent.
	Close() error
}

// Session is an open capture session on a [Device].
type Session interface {
	// RequestFrame asks for one still capture. It returns once the request
	// is submitted; the frame arrives later via [Listener.OnFrameReady].
	RequestFrame(ctx context.Context) error

	// Close stops the session and releases its buffers. Idempotent.
	Close() error
}

// ListenerFuncs adapts plain functions to [Listener]. Nil fields are no-ops.
type ListenerFuncs struct {
	FrameReady   func(*Frame)
	SessionError func(error)
	DeviceLost   func(error)
}

func (l ListenerFuncs) OnFrameReady(f *Frame) {
	if l.FrameReady != nil {
		l.FrameReady(f)
		return
	}
	f.Release()
}

func (l ListenerFuncs) OnSessionError(err error) {
	if l.SessionError != nil {
		l.SessionError(err)
	}
}

func (l ListenerFuncs) OnDeviceLost(err error) {
	if l.DeviceLost != nil {
		l.DeviceLost(err)
	}
}

var _ Listener = ListenerFuncs{}
