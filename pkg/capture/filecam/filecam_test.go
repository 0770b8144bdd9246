package filecam

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/MrWong99/seesay/pkg/capture"
)

func writeImage(t *testing.T, dir, name string, w, h int, c color.Color) {
	t.Helper()
	if err := imaging.Save(imaging.New(w, h, c), filepath.Join(dir, name)); err != nil {
		t.Fatalf("save %s: %v", name, err)
	}
}

type events struct {
	frames chan *capture.Frame
	errs   chan error
	lost   chan error
}

func newEvents() *events {
	return &events{
		frames: make(chan *capture.Frame, 4),
		errs:   make(chan error, 4),
		lost:   make(chan error, 4),
	}
}

func (e *events) listener() capture.Listener {
	return capture.ListenerFuncs{
		FrameReady:   func(f *capture.Frame) { e.frames <- f },
		SessionError: func(err error) { e.errs <- err },
		DeviceLost:   func(err error) { e.lost <- err },
	}
}

func TestNew_EmptyDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if _, err := New(filepath.Join(dir, "missing")); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSession_DeliversFittedFrames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeImage(t, dir, "a.png", 200, 100, color.NRGBA{R: 255, A: 255})
	writeImage(t, dir, "b.png", 50, 50, color.NRGBA{B: 255, A: 255})

	dev, err := New(dir, WithLoop(false))
	if err != nil {
		t.Fatal(err)
	}
	ev := newEvents()
	sess, err := dev.Open(context.Background(), capture.Resolution{Width: 64, Height: 48}, ev.listener())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	for i, wantRed := range []bool{true, false} {
		if err := sess.RequestFrame(context.Background()); err != nil {
			t.Fatalf("RequestFrame %d: %v", i, err)
		}
		select {
		case f := <-ev.frames:
			if f.Width != 64 || f.Height != 48 || f.Format != capture.FormatRGBA {
				t.Fatalf("frame %d = %dx%d %s, want 64x48 rgba", i, f.Width, f.Height, f.Format)
			}
			if err := f.Validate(); err != nil {
				t.Fatalf("frame %d invalid: %v", i, err)
			}
			red := f.Planes[0].Data[0] > 200
			if red != wantRed {
				t.Errorf("frame %d red = %v, want %v", i, red, wantRed)
			}
			f.Release()
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}

	if err := sess.RequestFrame(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-ev.lost:
		if !errors.Is(err, capture.ErrDeviceUnavailable) {
			t.Errorf("lost err = %v, want ErrDeviceUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("device lost not reported after last image")
	}
}

func TestSession_ClosedRejectsRequests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeImage(t, dir, "a.jpg", 10, 10, color.White)
	dev, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := dev.Open(context.Background(), capture.Resolution{Width: 10, Height: 10}, newEvents().listener())
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.RequestFrame(context.Background()); !errors.Is(err, capture.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestOpen_InvalidResolution(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeImage(t, dir, "a.png", 10, 10, color.White)
	dev, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Open(context.Background(), capture.Resolution{}, newEvents().listener()); !errors.Is(err, capture.ErrSessionConfig) {
		t.Errorf("err = %v, want ErrSessionConfig", err)
	}
}
