// Package filecam implements capture.Device on top of a directory of image
// files. Each requested frame is the next image in lexical order, fitted to
// the session resolution and delivered as packed RGBA. It stands in for a
// camera on development machines and in demos.
package filecam

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/MrWong99/seesay/pkg/capture"
)

var (
	_ capture.Device  = (*Device)(nil)
	_ capture.Session = (*session)(nil)
)

// DefaultResolutions are advertised when none are configured.
var DefaultResolutions = []capture.Resolution{
	{Width: 640, Height: 480},
	{Width: 1280, Height: 720},
	{Width: 1280, Height: 960},
	{Width: 1920, Height: 1080},
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

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

// WithLoop makes the device start over after the last image instead of
// reporting the device as lost.
func WithLoop(loop bool) Option {
	return func(d *Device) { d.loop = loop }
}

// Device serves frames from image files in a directory.
type Device struct {
	dir         string
	resolutions []capture.Resolution
	loop        bool

	mu     sync.Mutex
	files  []string
	next   int
	closed bool
}

// New scans dir for image files. It fails with [capture.ErrDeviceUnavailable]
// when the directory is missing or holds no images.
func New(dir string, opts ...Option) (*Device, error) {
	d := &Device{
		dir:         dir,
		resolutions: slices.Clone(DefaultResolutions),
		loop:        true,
	}
	for _, o := range opts {
		o(d)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: filecam: read %q: %v", capture.ErrDeviceUnavailable, dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		d.files = append(d.files, filepath.Join(dir, e.Name()))
	}
	if len(d.files) == 0 {
		return nil, fmt.Errorf("%w: filecam: no images in %q", capture.ErrDeviceUnavailable, dir)
	}
	slices.Sort(d.files)
	return d, nil
}

// Name implements capture.Device.
func (d *Device) Name() string { return "filecam:" + d.dir }

// Resolutions implements capture.Device.
func (d *Device) Resolutions(_ context.Context) ([]capture.Resolution, error) {
	return slices.Clone(d.resolutions), nil
}

// Open implements capture.Device.
func (d *Device) Open(_ context.Context, res capture.Resolution, l capture.Listener) (capture.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, capture.ErrDeviceUnavailable
	}
	if res.Width <= 0 || res.Height <= 0 {
		return nil, fmt.Errorf("%w: filecam: resolution %s", capture.ErrSessionConfig, res)
	}
	return &session{dev: d, res: res, listener: l, done: make(chan struct{})}, nil
}

// Close implements capture.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// nextFile returns the path of the next image, or "" when exhausted.
func (d *Device) nextFile() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.files) {
		if !d.loop {
			return ""
		}
		d.next = 0
	}
	f := d.files[d.next]
	d.next++
	return f
}

type session struct {
	dev      *Device
	res      capture.Resolution
	listener capture.Listener

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	inflight sync.WaitGroup
}

func (s *session) RequestFrame(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return capture.ErrSessionClosed
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.capture(ctx)
	}()
	return nil
}

func (s *session) capture(ctx context.Context) {
	path := s.dev.nextFile()
	if path == "" {
		s.listener.OnDeviceLost(fmt.Errorf("%w: filecam: no more images", capture.ErrDeviceUnavailable))
		return
	}

	frame, err := LoadFrame(path, s.res)
	if err != nil {
		slog.Warn("filecam: load failed", "path", path, "err", err)
		s.listener.OnSessionError(err)
		return
	}

	select {
	case <-s.done:
		frame.Release()
	case <-ctx.Done():
		frame.Release()
		s.listener.OnSessionError(ctx.Err())
	default:
		s.listener.OnFrameReady(frame)
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.inflight.Wait()
	return nil
}

// LoadFrame decodes the image at path (honouring EXIF orientation), fills
// res with it using a centered crop, and returns it as an RGBA frame.
func LoadFrame(path string, res capture.Resolution) (*capture.Frame, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("filecam: open %q: %w", path, err)
	}
	if res.Width > 0 && res.Height > 0 {
		img = imaging.Fill(img, res.Width, res.Height, imaging.Center, imaging.Linear)
	}
	return FrameFromImage(img), nil
}

// FrameFromImage copies img into a packed RGBA frame.
func FrameFromImage(img image.Image) *capture.Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.NRGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		rgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return capture.NewFrame(rgba.Rect.Dx(), rgba.Rect.Dy(), capture.FormatRGBA,
		[]capture.Plane{{Data: rgba.Pix, RowStride: rgba.Stride, PixelStride: 4}}, nil)
}

