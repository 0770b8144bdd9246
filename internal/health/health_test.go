package health

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func get(t *testing.T, h http.Handler, path string) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("GET %s Content-Type = %q, want JSON", path, ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
	return rec.Code, body
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{},
		},
		{
			name:       "device healthy",
			checkers:   []Checker{{Name: "capture", Check: pass}, {Name: "classifier", Check: pass}},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"capture": "ok", "classifier": "ok"},
		},
		{
			name: "camera lost",
			checkers: []Checker{
				{Name: "capture", Check: failWith("capture device disabled")},
				{Name: "classifier", Check: pass},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{"capture": "fail: capture device disabled", "classifier": "ok"},
		},
		{
			name: "everything down",
			checkers: []Checker{
				{Name: "classifier", Check: failWith("all classifier backends are failing")},
				{Name: "history", Check: failWith("connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{
				"classifier": "fail: all classifier backends are failing",
				"history":    "fail: connection refused",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			New(tt.checkers...).Register(mux)

			status, body := get(t, mux, "/readyz")
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if body.Status != tt.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tt.wantBody)
			}
			if body.Checks == nil {
				body.Checks = map[string]string{}
			}
			if !maps.Equal(body.Checks, tt.wantChecks) {
				t.Errorf("checks = %v, want %v", body.Checks, tt.wantChecks)
			}
		})
	}
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New(Checker{Name: "capture", Check: failWith("gone")}).Register(mux)

	status, body := get(t, mux, "/healthz")
	if status != http.StatusOK || body.Status != "ok" {
		t.Errorf("GET /healthz = %d %q, want 200 ok", status, body.Status)
	}
	if len(body.Checks) != 0 {
		t.Errorf("GET /healthz checks = %v, want none", body.Checks)
	}
}

func TestReadyz_CancelledRequestFails(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "history", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadyz_RunsCheckersConcurrently(t *testing.T) {
	t.Parallel()

	// Each checker blocks until both have started.
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	block := func(ctx context.Context) error {
		started.Done()
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "capture", Check: block}, Checker{Name: "classifier", Check: block})

	go func() {
		started.Wait()
		close(release)
	}()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
