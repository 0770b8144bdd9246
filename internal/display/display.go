// Package display renders the outcome of a capture cycle: the converted
// classifier input, up to [MaxSlots] result lines and a short status text.
//
// Sinks are output-only and best-effort. They log their own failures and never
// block the capture pipeline for longer than it takes to encode a frame.
package display

import (
	"fmt"
	"image"
	"strings"

	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

// MaxSlots is the number of result lines a sink renders.
const MaxSlots = 3

// Status texts shown between cycles.
const (
	StatusBusy    = "Hold on..."
	StatusReady   = "Ready"
	StatusNothing = "I don't understand what I see"
	StatusFailed  = "Something went wrong"
)

// Sink receives display updates from the capture coordinator. The image passed
// to ShowImage is reused by the next cycle, so implementations must copy or
// encode it before returning.
type Sink interface {
	ShowStatus(text string)
	ShowImage(img image.Image)
	ShowResults(recs []classifier.Recognition)
}

// Slots renders recs into exactly [MaxSlots] lines. Unused slots are empty.
func Slots(recs []classifier.Recognition) [MaxSlots]string {
	var out [MaxSlots]string
	for i := range min(len(recs), MaxSlots) {
		out[i] = fmt.Sprintf("%s (%.0f%%)", recs[i].Label, recs[i].Confidence*100)
	}
	return out
}

// Summary returns the one-line text form of recs, e.g. "cat, dog or fox".
func Summary(recs []classifier.Recognition) string {
	n := min(len(recs), MaxSlots)
	switch n {
	case 0:
		return StatusNothing
	case 1:
		return recs[0].Label
	}
	labels := make([]string, n)
	for i := range n {
		labels[i] = recs[i].Label
	}
	return strings.Join(labels[:n-1], ", ") + " or " + labels[n-1]
}

// Multi fans every update out to several sinks in order.
type Multi []Sink

// ShowStatus implements [Sink].
func (m Multi) ShowStatus(text string) {
	for _, s := range m {
		s.ShowStatus(text)
	}
}

// ShowImage implements [Sink].
func (m Multi) ShowImage(img image.Image) {
	for _, s := range m {
		s.ShowImage(img)
	}
}

// ShowResults implements [Sink].
func (m Multi) ShowResults(recs []classifier.Recognition) {
	for _, s := range m {
		s.ShowResults(recs)
	}
}

var _ Sink = Multi(nil)
