package peripheral

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/robfig/cron/v3"

	"github.com/MrWong99/seesay/internal/coordinator"
)

// RunKeys fires a trigger for every line read from r (typically stdin, so
// pressing Enter takes a picture). It returns when r is exhausted or ctx is
// cancelled.
func RunKeys(ctx context.Context, r io.Reader, t Triggerer) error {
	lines := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lines:
			fire(t, "key")
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("peripheral: read keys: %w", err)
			}
			return nil
		}
	}
}

// triggerResponse is the JSON body returned by [TriggerHandler].
type triggerResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// TriggerHandler returns the handler for POST /api/trigger. An accepted
// trigger answers 202; a busy device 409; a lost device or a shutdown 503.
func TriggerHandler(t Triggerer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		err := t.Trigger("http")
		status := http.StatusAccepted
		resp := triggerResponse{Accepted: err == nil}
		if err != nil {
			resp.Reason = err.Error()
			switch {
			case errors.Is(err, coordinator.ErrBusy):
				status = http.StatusConflict
			default:
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// Schedule fires triggers on a cron schedule.
type Schedule struct {
	cron *cron.Cron
}

// NewSchedule parses spec (standard five-field cron syntax or a descriptor
// such as "@every 5m") and binds it to t. The schedule does not run until
// [Schedule.Start].
func NewSchedule(spec string, t Triggerer) (*Schedule, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { fire(t, "schedule") }); err != nil {
		return nil, fmt.Errorf("peripheral: schedule %q: %w", spec, err)
	}
	return &Schedule{cron: c}, nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for a
// running job to return.
func (s *Schedule) Run(ctx context.Context) error {
	s.cron.Start()
	slog.Info("peripheral: schedule started", "next", s.cron.Entries()[0].Next)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
