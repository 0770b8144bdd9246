package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/seesay/internal/coordinator"
	"github.com/MrWong99/seesay/internal/health"
	"github.com/MrWong99/seesay/internal/history"
	"github.com/MrWong99/seesay/internal/observe"
	"github.com/MrWong99/seesay/internal/peripheral"
)

const (
	defaultMetricsPath  = "/metrics"
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	serverStopTimeout   = 5 * time.Second
)

// healthy is implemented by failover groups that can report whether at least
// one backend is usable.
type healthy interface {
	Healthy() bool
}

// pinger is implemented by stores backed by a remote database.
type pinger interface {
	Ping(ctx context.Context) error
}

// Handler returns the HTTP surface of the device:
//
//	GET  /healthz, /readyz     liveness and readiness
//	GET  /metrics              Prometheus exposition (path configurable)
//	POST /api/trigger          start a capture cycle
//	GET  /api/history          recent cycles, newest first (?limit=N)
//	GET  /api/history/{id}     one cycle
//	GET  /api/history/{id}/similar  cycles with the closest score vectors
//	GET  /ws                   live display updates (display.websocket)
//
// Every route is wrapped with the observe middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	health.New(a.checkers()...).Register(mux)

	if a.metricsHandler != nil {
		path := a.cfg.Telemetry.MetricsPath
		if path == "" {
			path = defaultMetricsPath
		}
		mux.Handle("GET "+path, a.metricsHandler)
	}

	mux.Handle("/api/trigger", peripheral.TriggerHandler(a.coord))
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /api/history/{id}", a.handleHistoryRecord)
	mux.HandleFunc("GET /api/history/{id}/similar", a.handleSimilar)

	if a.hub != nil {
		mux.Handle("GET /ws", a.hub)
	}

	return observe.Middleware(a.metrics)(mux)
}

// checkers returns the readiness checks: the capture device, the classifier
// failover group and the history database.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{{
		Name: "capture",
		Check: func(context.Context) error {
			if a.coord.Disabled() {
				return coordinator.ErrDisabled
			}
			return nil
		},
	}}
	if h, ok := a.providers.Classifier.(healthy); ok {
		cs = append(cs, health.Checker{
			Name: "classifier",
			Check: func(context.Context) error {
				if !h.Healthy() {
					return errors.New("all classifier backends are failing")
				}
				return nil
			},
		})
	}
	if p, ok := a.store.(pinger); ok {
		cs = append(cs, health.Checker{Name: "history", Check: p.Ping})
	}
	return cs
}

// queryLimit parses ?limit=N, capped at maxHistoryLimit.
func queryLimit(r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxHistoryLimit), true
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	recs, err := a.store.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Warn("history query failed", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *App) handleHistoryRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.lookup(w, r)
	if ok {
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleSimilar lists the cycles whose score vectors are nearest to the one
// of {id}, excluding {id} itself.
func (a *App) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	rec, ok := a.lookup(w, r)
	if !ok {
		return
	}
	recs, err := a.store.Similar(r.Context(), rec.Scores, limit+1)
	if err != nil {
		observe.Logger(r.Context()).Warn("similarity query failed", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]history.Record, 0, limit)
	for _, s := range recs {
		if s.ID != rec.ID && len(out) < limit {
			out = append(out, s)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup fetches the record named by the {id} path value and writes the
// error response when there is none.
func (a *App) lookup(w http.ResponseWriter, r *http.Request) (history.Record, bool) {
	rec, err := a.store.Get(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, history.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		observe.Logger(r.Context()).Warn("history lookup failed", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
	}
	return history.Record{}, false
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func (a *App) serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()
	slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
