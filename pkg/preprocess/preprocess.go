// Package preprocess turns raw camera frames into fixed-size square
// classifier inputs.
//
// A [Converter] takes the largest centered square of the frame, scales it to
// the configured side with nearest-neighbour sampling, rotates it clockwise
// about its center and writes interleaved RGB into a reusable [Buffer],
// either normalized as float32 ((v-mean)/std) or as raw bytes. The source
// pixel for every output position is precomputed per frame size, so a
// conversion allocates nothing once the first frame of a given size has been
// seen.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/MrWong99/seesay/pkg/capture"
)

// ErrFrameSizeMismatch reports that a frame's dimensions differ from the ones
// the lookup tables were built for. [Converter.Convert] handles it by
// rebuilding the tables; it never reaches callers.
var ErrFrameSizeMismatch = errors.New("preprocess: frame size mismatch")

// Layout selects the element type of a [Buffer].
type Layout int

const (
	// LayoutFloat stores normalized float32 RGB.
	LayoutFloat Layout = iota

	// LayoutBytes stores raw 0..255 RGB.
	LayoutBytes
)

// String implements [fmt.Stringer].
func (l Layout) String() string {
	switch l {
	case LayoutFloat:
		return "float"
	case LayoutBytes:
		return "bytes"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ParseLayout parses "float" or "bytes". The empty string is LayoutFloat.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "float":
		return LayoutFloat, nil
	case "bytes", "byte", "uint8":
		return LayoutBytes, nil
	}
	return 0, fmt.Errorf("preprocess: unknown layout %q", s)
}

// Buffer is a side×side×3 interleaved RGB classifier input. Exactly one of
// Floats or Bytes is populated, according to Layout.
type Buffer struct {
	Side   int
	Layout Layout
	Floats []float32
	Bytes  []byte
}

// Len returns the number of values (side*side*3).
func (b *Buffer) Len() int { return b.Side * b.Side * 3 }

func newBuffer(side int, layout Layout) *Buffer {
	b := &Buffer{Side: side, Layout: layout}
	if layout == LayoutBytes {
		b.Bytes = make([]byte, side*side*3)
	} else {
		b.Floats = make([]float32, side*side*3)
	}
	return b
}

// Geometry describes how a frame maps onto the square output.
type Geometry struct {
	// CropX and CropY are the top-left corner of the centered square crop
	// in frame pixels.
	CropX, CropY int

	// CropSide is the side of the square crop (the smaller frame dimension).
	CropSide int

	// Scale is OutputSide / CropSide.
	Scale float64
}

// ComputeGeometry returns the centered square crop of a width×height frame
// and the scale that maps it onto side.
func ComputeGeometry(width, height, side int) Geometry {
	minDim := min(width, height)
	return Geometry{
		CropX:    max(0, (width-minDim)/2),
		CropY:    max(0, (height-minDim)/2),
		CropSide: minDim,
		Scale:    float64(side) / float64(minDim),
	}
}

// Config parameterises a [Converter].
type Config struct {
	// OutputSide is the side of the square output. Required.
	OutputSide int

	// Rotation is the clockwise rotation in degrees: 0, 90, 180 or 270.
	Rotation int

	// Mean and Std normalise float output as (v-Mean)/Std. Std 0 means 1.
	Mean float32
	Std  float32

	// Layout selects float or byte output.
	Layout Layout
}

// Converter converts frames into a reused [Buffer]. It is not safe for
// concurrent use; the capture coordinator owns one per pipeline.
type Converter struct {
	cfg Config

	buf     *Buffer
	preview *image.NRGBA

	width, height int
	geom          Geometry
	// srcX and srcY hold the frame coordinate sampled for each output pixel.
	srcX, srcY []int32
}

// New validates cfg and returns a converter. Buffers are allocated up front;
// lookup tables are built on the first frame.
func New(cfg Config) (*Converter, error) {
	if cfg.OutputSide <= 0 {
		return nil, fmt.Errorf("preprocess: output side %d must be positive", cfg.OutputSide)
	}
	switch cfg.Rotation {
	case 0, 90, 180, 270:
	default:
		return nil, fmt.Errorf("preprocess: rotation %d must be one of 0, 90, 180, 270", cfg.Rotation)
	}
	if cfg.Layout != LayoutFloat && cfg.Layout != LayoutBytes {
		return nil, fmt.Errorf("preprocess: invalid layout %s", cfg.Layout)
	}
	if cfg.Std == 0 {
		cfg.Std = 1
	}
	side := cfg.OutputSide
	return &Converter{
		cfg:     cfg,
		buf:     newBuffer(side, cfg.Layout),
		preview: image.NewNRGBA(image.Rect(0, 0, side, side)),
		srcX:    make([]int32, side*side),
		srcY:    make([]int32, side*side),
	}, nil
}

// Config returns the converter's effective configuration.
func (c *Converter) Config() Config { return c.cfg }

// Geometry returns the crop geometry for the most recent frame size.
func (c *Converter) Geometry() Geometry { return c.geom }

// Image returns the RGB image written by the most recent conversion. The
// image is reused by the next call to Convert.
func (c *Converter) Image() *image.NRGBA { return c.preview }

// Convert writes f into the converter's buffer and returns it. The frame is
// only read; releasing it stays with the caller. The returned buffer is
// overwritten by the next call.
func (c *Converter) Convert(f *capture.Frame) (*Buffer, error) {
	if f == nil {
		return nil, errors.New("preprocess: nil frame")
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	if err := c.checkSize(f.Width, f.Height); err != nil {
		if !errors.Is(err, ErrFrameSizeMismatch) {
			return nil, err
		}
		slog.Debug("preprocess: rebuilding lookup tables", "from", fmt.Sprintf("%dx%d", c.width, c.height), "to", fmt.Sprintf("%dx%d", f.Width, f.Height))
		c.prepare(f.Width, f.Height)
	}

	switch f.Format {
	case capture.FormatYUV420:
		c.convertYUV(f)
	case capture.FormatRGBA:
		c.convertRGBA(f)
	default:
		return nil, fmt.Errorf("preprocess: unsupported format %s", f.Format)
	}
	return c.buf, nil
}

func (c *Converter) checkSize(w, h int) error {
	if w != c.width || h != c.height {
		return fmt.Errorf("%w: tables for %dx%d, frame %dx%d", ErrFrameSizeMismatch, c.width, c.height, w, h)
	}
	return nil
}

// prepare builds the inverse mapping from every output pixel to the frame
// pixel it samples: undo the rotation about the output center, then undo the
// crop and scale.
func (c *Converter) prepare(w, h int) {
	side := c.cfg.OutputSide
	g := ComputeGeometry(w, h, side)
	last := g.CropSide - 1

	for oy := range side {
		for ox := range side {
			sx, sy := unrotate(ox, oy, side, c.cfg.Rotation)
			fx := min(int((float64(sx)+0.5)/g.Scale), last)
			fy := min(int((float64(sy)+0.5)/g.Scale), last)
			i := oy*side + ox
			c.srcX[i] = int32(g.CropX + fx)
			c.srcY[i] = int32(g.CropY + fy)
		}
	}
	c.width, c.height, c.geom = w, h, g
}

// unrotate maps an output coordinate back to the scaled, unrotated square.
func unrotate(ox, oy, side, rotation int) (int, int) {
	last := side - 1
	switch rotation {
	case 90:
		return oy, last - ox
	case 180:
		return last - ox, last - oy
	case 270:
		return last - oy, ox
	default:
		return ox, oy
	}
}

func (c *Converter) convertYUV(f *capture.Frame) {
	yp, up, vp := f.Planes[0], f.Planes[1], f.Planes[2]
	yPS := yp.Step(1, 1)
	for i := range c.srcX {
		x, y := int(c.srcX[i]), int(c.srcY[i])
		luma := yp.Data[y*yp.RowStride+x*yPS]
		cb := up.Data[(y/2)*up.RowStride+(x/2)*up.PixelStride]
		cr := vp.Data[(y/2)*vp.RowStride+(x/2)*vp.PixelStride]
		r, g, b := YUVToRGB(luma, cb, cr)
		c.put(i, r, g, b)
	}
}

func (c *Converter) convertRGBA(f *capture.Frame) {
	p := f.Planes[0]
	ps := p.Step(3, 4)
	for i := range c.srcX {
		off := int(c.srcY[i])*p.RowStride + int(c.srcX[i])*ps
		c.put(i, p.Data[off], p.Data[off+1], p.Data[off+2])
	}
}

func (c *Converter) put(i int, r, g, b uint8) {
	o := i * 3
	if c.buf.Layout == LayoutBytes {
		c.buf.Bytes[o], c.buf.Bytes[o+1], c.buf.Bytes[o+2] = r, g, b
	} else {
		mean, std := c.cfg.Mean, c.cfg.Std
		c.buf.Floats[o] = (float32(r) - mean) / std
		c.buf.Floats[o+1] = (float32(g) - mean) / std
		c.buf.Floats[o+2] = (float32(b) - mean) / std
	}
	p := i * 4
	pix := c.preview.Pix
	pix[p], pix[p+1], pix[p+2], pix[p+3] = r, g, b, 0xff
}

// YUVToRGB converts one BT.601 video-range sample to RGB, clamping each
// channel to 0..255.
func YUVToRGB(y, cb, cr uint8) (r, g, b uint8) {
	yf := 1.164 * (float32(y) - 16)
	u := float32(cb) - 128
	v := float32(cr) - 128
	return clamp(yf + 1.596*v), clamp(yf - 0.813*v - 0.391*u), clamp(yf + 2.018*u)
}

func clamp(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}
