package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// routes mimics the device's HTTP surface with fixed answers.
func routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("busy") != "" {
			http.Error(w, "busy", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /api/history/{id}", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return mux
}

func TestMiddleware_SpansAndMetrics(t *testing.T) {
	exp := installTracer(t)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := Middleware(m)(routes())

	tests := []struct {
		method string
		target string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", "/healthz", http.StatusOK},
		{http.MethodPost, "/api/trigger", "/api/trigger", http.StatusAccepted},
		{http.MethodPost, "/api/trigger?busy=1", "/api/trigger", http.StatusConflict},
		{http.MethodGet, "/api/history/nope", "/api/history/{id}", http.StatusNotFound},
		{http.MethodGet, "/api/history/other", "/api/history/{id}", http.StatusNotFound},
		{http.MethodGet, "/no/such/route", "unmatched", http.StatusNotFound},
	}
	// Both history lookups share a series.
	const wantSeries = 5
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
		if rec.Code != tt.status {
			t.Errorf("%s %s status = %d, want %d", tt.method, tt.target, rec.Code, tt.status)
		}
		if cid := rec.Header().Get("X-Correlation-ID"); !hexTraceID.MatchString(cid) {
			t.Errorf("%s %s X-Correlation-ID = %q, want a trace ID", tt.method, tt.target, cid)
		}
	}

	spans := exp.GetSpans()
	if len(spans) != len(tests) {
		t.Fatalf("recorded %d spans, want %d", len(spans), len(tests))
	}
	for i, tt := range tests {
		want := "HTTP " + tt.method + " " + tt.path
		if spans[i].Name != want {
			t.Errorf("span %d name = %q, want %q", i, spans[i].Name, want)
		}
		var status int64
		for _, a := range spans[i].Attributes {
			if a.Key == "http.response.status_code" {
				status = a.Value.AsInt64()
			}
		}
		if status != int64(tt.status) {
			t.Errorf("span %s status attribute = %d, want %d", want, status, tt.status)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "seesay.http.request.duration")
	if met == nil {
		t.Fatal("seesay.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}
	if len(hist.DataPoints) != wantSeries {
		t.Fatalf("got %d series, want one per method, route and status (%d)", len(hist.DataPoints), wantSeries)
	}
	var busy bool
	for _, dp := range hist.DataPoints {
		p, _ := dp.Attributes.Value("path")
		s, _ := dp.Attributes.Value("status")
		busy = busy || (p.AsString() == "/api/trigger" && s.AsInt64() == http.StatusConflict)
		if p.AsString() == "/api/history/{id}" && dp.Count != 2 {
			t.Errorf("history route count = %d, want 2", dp.Count)
		}
		if strings.Contains(p.AsString(), "nope") {
			t.Errorf("series keyed by raw path %q", p.AsString())
		}
	}
	if !busy {
		t.Error("no series for the rejected trigger (path /api/trigger, status 409)")
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	installTracer(t)
	m, err := NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/trigger", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("handler trace = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_ExposesUnderlyingWriter(t *testing.T) {
	m, err := NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var unwrapped bool
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		unwrapped = ok && u.Unwrap() != nil
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !unwrapped {
		t.Error("wrapped writer does not expose Unwrap, websocket upgrades would fail")
	}
}
