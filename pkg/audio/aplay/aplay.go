// Package aplay implements audio.Player by piping raw PCM into the ALSA
// aplay utility. Any command that reads raw S16_LE PCM on stdin can be
// substituted with [WithCommand] (e.g. "paplay --raw" or "pw-play -").
package aplay

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/seesay/pkg/audio"
)

var _ audio.Player = (*Player)(nil)

const (
	defaultBinary = "aplay"

	// waitDelay bounds how long Play waits for the output pipes after the
	// process was killed on cancellation.
	waitDelay = 500 * time.Millisecond
)

// Option configures a [Player].
type Option func(*Player)

// WithDevice selects the ALSA device (aplay -D), e.g. "plughw:1,0".
func WithDevice(device string) Option {
	return func(p *Player) { p.device = device }
}

// WithFormat fixes the output format. Clips in other formats are converted
// before playback. Without it every clip is played at its native format.
func WithFormat(f audio.Format) Option {
	return func(p *Player) { p.conv = &audio.Converter{Target: f} }
}

// WithCommand replaces the aplay invocation. The command receives raw PCM
// on stdin; the strings {rate} and {channels} in args are substituted.
func WithCommand(name string, args ...string) Option {
	return func(p *Player) {
		p.binary = name
		p.args = args
	}
}

// Player plays clips one at a time through an external process.
type Player struct {
	binary string
	args   []string
	device string
	conv   *audio.Converter

	mu     sync.Mutex // serialises playback
	closed bool
}

// New returns a Player. It does not check that the binary exists.
func New(opts ...Option) *Player {
	p := &Player{binary: defaultBinary}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play implements audio.Player.
func (p *Player) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("aplay: player closed")
	}
	if len(clip.PCM) == 0 {
		return nil
	}
	if p.conv != nil {
		clip = p.conv.Convert(clip)
	}

	cmd := exec.CommandContext(ctx, p.binary, p.argv(clip.Format)...)
	cmd.Stdin = bytes.NewReader(clip.PCM)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("aplay: %s: %w: %s", p.binary, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (p *Player) argv(f audio.Format) []string {
	rate := strconv.Itoa(f.SampleRate)
	channels := strconv.Itoa(max(f.Channels, 1))

	if p.args != nil {
		out := make([]string, len(p.args))
		for i, a := range p.args {
			a = strings.ReplaceAll(a, "{rate}", rate)
			out[i] = strings.ReplaceAll(a, "{channels}", channels)
		}
		return out
	}

	args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", channels}
	if p.device != "" {
		args = append(args, "-D", p.device)
	}
	return append(args, "-")
}

// Close makes subsequent Play calls fail. Idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
