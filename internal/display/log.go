package display

import (
	"image"
	"log/slog"

	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

// LogSink writes display updates to the default logger. It is the display of
// a headless device.
type LogSink struct{}

// ShowStatus implements [Sink].
func (LogSink) ShowStatus(text string) {
	slog.Info("display: status", "text", text)
}

// ShowImage implements [Sink].
func (LogSink) ShowImage(img image.Image) {
	b := img.Bounds()
	slog.Debug("display: image", "width", b.Dx(), "height", b.Dy())
}

// ShowResults implements [Sink].
func (LogSink) ShowResults(recs []classifier.Recognition) {
	slots := Slots(recs)
	slog.Info("display: results", "summary", Summary(recs), "slot1", slots[0], "slot2", slots[1], "slot3", slots[2])
}

var _ Sink = LogSink{}
