package capture

import (
	"fmt"
	"sync"
	"time"
)

// Format identifies the sample layout of a [Frame].
type Format int

const (
	// FormatYUV420 holds three planes: Y, Cb (U), Cr (V). Chroma planes are
	// subsampled by two in both dimensions and addressed through their
	// row and pixel strides, which covers both planar I420 and the
	// semi-planar NV12/NV21 layouts.
	FormatYUV420 Format = iota

	// FormatRGBA holds a single packed plane of 8-bit R, G, B, A samples.
	FormatRGBA
)

// String implements [fmt.Stringer].
func (f Format) String() string {
	switch f {
	case FormatYUV420:
		return "yuv420"
	case FormatRGBA:
		return "rgba"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Plane is one sample plane of a [Frame].
type Plane struct {
	// Data holds the raw samples.
	Data []byte

	// RowStride is the distance in bytes between the starts of two rows.
	RowStride int

	// PixelStride is the distance in bytes between two horizontally
	// adjacent samples. 1 for planar chroma, 2 for interleaved NV12 chroma,
	// 4 for RGBA.
	PixelStride int
}

// Step returns PixelStride, or fallback when it is below smallest.
func (p Plane) Step(smallest, fallback int) int {
	if p.PixelStride < smallest {
		return fallback
	}
	return p.PixelStride
}

// Frame is the immutable result of one capture. It is owned by whoever
// received it from [Listener.OnFrameReady] and must be released exactly once
// via [Frame.Release]; further calls are no-ops.
type Frame struct {
	Width     int
	Height    int
	Format    Format
	Planes    []Plane
	Timestamp time.Time

	releaseOnce sync.Once
	release     func()
}

// NewFrame builds a frame. release, if non-nil, returns the underlying buffer
// to its producer and runs at most once.
func NewFrame(width, height int, format Format, planes []Plane, release func()) *Frame {
	return &Frame{
		Width:     width,
		Height:    height,
		Format:    format,
		Planes:    planes,
		Timestamp: time.Now(),
		release:   release,
	}
}

// Release returns the frame's buffer to its producer. Safe to call more than
// once and on a nil frame.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.releaseOnce.Do(func() {
		if f.release != nil {
			f.release()
		}
		f.Planes = nil
	})
}

// Validate checks that the planes are large enough for the declared size and
// format.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("capture: frame size %dx%d is invalid", f.Width, f.Height)
	}
	switch f.Format {
	case FormatYUV420:
		if len(f.Planes) != 3 {
			return fmt.Errorf("capture: yuv420 frame has %d planes, want 3", len(f.Planes))
		}
		y := f.Planes[0]
		if need := (f.Height-1)*y.RowStride + (f.Width-1)*y.Step(1, 1) + 1; len(y.Data) < need {
			return fmt.Errorf("capture: luma plane has %d bytes, want at least %d", len(y.Data), need)
		}
		cw, ch := (f.Width+1)/2, (f.Height+1)/2
		for i, p := range f.Planes[1:] {
			if need := (ch-1)*p.RowStride + (cw-1)*p.PixelStride + 1; len(p.Data) < need {
				return fmt.Errorf("capture: chroma plane %d has %d bytes, want at least %d", i+1, len(p.Data), need)
			}
		}
	case FormatRGBA:
		if len(f.Planes) != 1 {
			return fmt.Errorf("capture: rgba frame has %d planes, want 1", len(f.Planes))
		}
		p := f.Planes[0]
		if need := (f.Height-1)*p.RowStride + (f.Width-1)*p.Step(3, 4) + 3; len(p.Data) < need {
			return fmt.Errorf("capture: rgba plane has %d bytes, want at least %d", len(p.Data), need)
		}
	default:
		return fmt.Errorf("capture: unsupported frame format %s", f.Format)
	}
	return nil
}
