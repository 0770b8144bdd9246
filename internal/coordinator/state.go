package coordinator

import (
	"fmt"
	"strings"

	"github.com/MrWong99/seesay/pkg/capture"
)

// State is a coordinator state.
type State int32

const (
	Idle State = iota
	AwaitingFrame
	Converting
	Classifying
	Narrating
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFrame:
		return "awaiting_frame"
	case Converting:
		return "converting"
	case Classifying:
		return "classifying"
	case Narrating:
		return "narrating"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// WaitMode selects when readiness is restored after the result is narrated.
type WaitMode int32

const (
	// WaitNarration restores readiness once the last narration line has
	// been played. Falls back to immediate when no line is observable.
	WaitNarration WaitMode = iota

	// WaitImmediate restores readiness as soon as narration is enqueued.
	WaitImmediate
)

// String implements [fmt.Stringer].
func (m WaitMode) String() string {
	switch m {
	case WaitNarration:
		return "narration"
	case WaitImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("WaitMode(%d)", int(m))
	}
}

// ParseWaitMode parses "narration" or "immediate". The empty string yields
// [WaitNarration].
func ParseWaitMode(s string) (WaitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "narration":
		return WaitNarration, nil
	case "immediate":
		return WaitImmediate, nil
	default:
		return 0, fmt.Errorf("coordinator: unknown wait mode %q (want narration or immediate)", s)
	}
}

type eventKind int

const (
	evStart eventKind = iota
	evFrame
	evSessionError
	evDeviceLost
	evUtteranceDone
	evCaptureTimeout
	evNarrationTimeout
)

// event is one unit of work for the worker goroutine.
type event struct {
	kind   eventKind
	source string
	frame  *capture.Frame
	err    error
	id     string
	gen    uint64
}
