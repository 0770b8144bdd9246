// Package peripheral connects the capture pipeline to the physical world:
// a readiness LED, a shutter button and the software stand-ins for a button
// (a key on stdin, an HTTP endpoint, a cron schedule).
//
// Trigger sources all call [Triggerer.Trigger]. They never queue: a press
// while the device is busy is simply dropped by the coordinator.
package peripheral

import (
	"errors"
	"log/slog"
)

// ErrIndicator wraps failures to drive an indicator. Callers log these and
// carry on.
var ErrIndicator = errors.New("peripheral: indicator update failed")

// Triggerer starts a capture cycle. *coordinator.Coordinator satisfies it.
type Triggerer interface {
	Trigger(source string) error
}

// fire calls t and logs anything other than a normal rejection at debug.
func fire(t Triggerer, source string) {
	if err := t.Trigger(source); err != nil {
		slog.Debug("peripheral: trigger not accepted", "source", source, "err", err)
	}
}
