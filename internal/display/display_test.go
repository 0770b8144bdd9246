package display_test

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/disintegration/imaging"

	"github.com/MrWong99/seesay/internal/display"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

var threeRecs = []classifier.Recognition{
	{ID: "1", Label: "cat", Confidence: 0.5},
	{ID: "2", Label: "dog", Confidence: 0.2},
	{ID: "3", Label: "fox", Confidence: 0.15},
}

func TestSlots(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		recs []classifier.Recognition
		want [display.MaxSlots]string
	}{
		{"empty", nil, [3]string{"", "", ""}},
		{"one", threeRecs[:1], [3]string{"cat (50%)", "", ""}},
		{"three", threeRecs, [3]string{"cat (50%)", "dog (20%)", "fox (15%)"}},
		{"more than slots", append(threeRecs, classifier.Recognition{Label: "owl"}), [3]string{"cat (50%)", "dog (20%)", "fox (15%)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := display.Slots(tt.recs); got != tt.want {
				t.Errorf("Slots = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		recs []classifier.Recognition
		want string
	}{
		{nil, display.StatusNothing},
		{threeRecs[:1], "cat"},
		{threeRecs[:2], "cat or dog"},
		{threeRecs, "cat, dog or fox"},
	}
	for _, tt := range tests {
		if got := display.Summary(tt.recs); got != tt.want {
			t.Errorf("Summary(%d recs) = %q, want %q", len(tt.recs), got, tt.want)
		}
	}
}

type recordingSink struct{ calls []string }

func (r *recordingSink) ShowStatus(text string) { r.calls = append(r.calls, "status:"+text) }
func (r *recordingSink) ShowImage(image.Image) { r.calls = append(r.calls, "image") }
func (r *recordingSink) ShowResults([]classifier.Recognition) { r.calls = append(r.calls, "results") }

func TestMulti(t *testing.T) {
	t.Parallel()

	a, b := &recordingSink{}, &recordingSink{}
	m := display.Multi{a, b}
	m.ShowStatus("x")
	m.ShowImage(image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	m.ShowResults(nil)

	for _, s := range []*recordingSink{a, b} {
		if strings.Join(s.calls, ",") != "status:x,image,results" {
			t.Errorf("calls = %v", s.calls)
		}
	}
}

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, color.NRGBA{R: uint8(x * 60), G: uint8(y * 60), B: 10, A: 255})
		}
	}
	return img
}

func TestPreviewSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "preview.png")
	p, err := display.NewPreviewSink(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	p.ShowImage(testImage())

	got, err := imaging.Open(path)
	if err != nil {
		t.Fatalf("open preview: %v", err)
	}
	if b := got.Bounds(); b.Dx() != 12 || b.Dy() != 12 {
		t.Errorf("preview size = %dx%d, want 12x12", b.Dx(), b.Dy())
	}

	if _, err := display.NewPreviewSink(filepath.Join(t.TempDir(), "preview.xyz"), 1); err == nil {
		t.Error("unknown extension accepted")
	}
}

func TestHub(t *testing.T) {
	t.Parallel()

	hub := display.NewHub()
	t.Cleanup(func() { _ = hub.Close() })
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	// State published before the client connects is replayed.
	hub.ShowReady(true)
	hub.ShowReady(false)
	hub.ShowStatus(display.StatusBusy)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() display.Message {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m display.Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return m
	}

	if m := read(); m.Type != "ready" || m.Ready == nil || *m.Ready {
		t.Errorf("replayed readiness = %+v, want ready=false", m)
	}
	if m := read(); m.Type != "status" || m.Status != display.StatusBusy {
		t.Errorf("replayed = %+v", m)
	}

	for hub.Clients() == 0 {
		time.Sleep(time.Millisecond)
	}
	hub.ShowImage(testImage())
	hub.ShowResults(threeRecs[:2])

	if m := read(); m.Type != "image" || !strings.HasPrefix(m.Image, "data:image/png;base64,") {
		t.Errorf("image message = %+v", m.Type)
	}
	m := read()
	if m.Type != "results" || m.Summary != "cat or dog" || len(m.Slots) != display.MaxSlots || m.Slots[2] != "" {
		t.Errorf("results message = %+v", m)
	}
}
