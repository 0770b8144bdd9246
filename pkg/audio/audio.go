// Package audio defines the types and interfaces for local speech playback.
//
// The two primary abstractions are:
//
//   - [Clip]: a complete block of 16-bit little-endian PCM together with its
//     [Format]. Clips are produced by TTS providers and consumed by players.
//   - [Player]: renders a clip on an output device and returns once playback
//     has finished.
//
// Implementations of [Player] live in sub-packages (e.g., audio/aplay).
package audio

import (
	"context"
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "22050Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// frameSize returns the byte size of one sample across all channels.
func (f Format) frameSize() int {
	return 2 * max(f.Channels, 1)
}

// Clip is a complete, in-memory block of 16-bit little-endian PCM.
type Clip struct {
	PCM []byte
	Format
}

// Duration returns the playback length of c at its native rate.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	frames := len(c.PCM) / c.frameSize()
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Player renders clips on an output device.
//
// Play blocks until the clip has been played completely, ctx is cancelled, or
// the device fails. Implementations must be safe for concurrent use but may
// serialise playback internally.
type Player interface {
	Play(ctx context.Context, clip Clip) error
	Close() error
}
