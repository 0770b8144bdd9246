// Package observe provides application-wide observability primitives for
// seesay: OpenTelemetry metrics, tracing, span-correlated logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all seesay metrics.
const meterName = "github.com/MrWong99/seesay"

// Cycle outcomes used as the "outcome" attribute on [Metrics.Cycles].
const (
	OutcomeSuccess      = "success"
	OutcomeCaptureError = "capture_error"
	OutcomeConvertError = "convert_error"
	OutcomeClassifyErr  = "classify_error"
	OutcomeTimeout      = "timeout"
	OutcomeShutdown     = "shutdown"
)

// Pipeline stages used as the "stage" attribute on [Metrics.StageDuration].
const (
	StageCapture  = "capture"
	StageConvert  = "convert"
	StageClassify = "classify"
	StageNarrate  = "narrate"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// CycleDuration tracks the time from an accepted trigger to readiness
	// being restored.
	CycleDuration metric.Float64Histogram

	// StageDuration tracks per-stage latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech latency per line.
	SynthesisDuration metric.Float64Histogram

	// Cycles counts finished cycles. Use with attribute:
	//   attribute.String("outcome", ...)
	Cycles metric.Int64Counter

	// DroppedTriggers counts triggers rejected because the device was busy,
	// disabled, or had no active session. Use with attribute:
	//   attribute.String("reason", ...)
	DroppedTriggers metric.Int64Counter

	// DroppedFrames counts frames that arrived while no capture was
	// outstanding or another frame was being processed.
	DroppedFrames metric.Int64Counter

	// Utterances counts spoken lines. Use with attribute:
	//   attribute.String("kind", ...)
	Utterances metric.Int64Counter

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// IndicatorErrors counts failures to drive the readiness indicator.
	IndicatorErrors metric.Int64Counter

	// Ready is 1 while the device accepts triggers and 0 otherwise.
	Ready metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// everything from a frame conversion to a long narration.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CycleDuration, err = m.Float64Histogram("seesay.cycle.duration",
		metric.WithDescription("Time from accepted trigger to restored readiness."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("seesay.stage.duration",
		metric.WithDescription("Latency of a single pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("seesay.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Cycles, err = m.Int64Counter("seesay.cycles",
		metric.WithDescription("Finished capture cycles by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DroppedTriggers, err = m.Int64Counter("seesay.triggers.dropped",
		metric.WithDescription("Triggers rejected by reason."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("seesay.frames.dropped",
		metric.WithDescription("Frames released without being processed."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("seesay.utterances",
		metric.WithDescription("Spoken lines by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("seesay.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("seesay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.IndicatorErrors, err = m.Int64Counter("seesay.indicator.errors",
		metric.WithDescription("Failures to drive the readiness indicator."),
	); err != nil {
		return nil, err
	}

	if met.Ready, err = m.Int64UpDownCounter("seesay.ready",
		metric.WithDescription("1 while the device accepts triggers."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("seesay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordCycle records a finished cycle with its outcome and total duration.
func (m *Metrics) RecordCycle(ctx context.Context, outcome string, seconds float64) {
	m.Cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.CycleDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDroppedTrigger increments the dropped trigger counter.
func (m *Metrics) RecordDroppedTrigger(ctx context.Context, reason string) {
	m.DroppedTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordUtterance increments the utterance counter for kind.
func (m *Metrics) RecordUtterance(ctx context.Context, kind string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
