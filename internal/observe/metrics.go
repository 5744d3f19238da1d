// Package observe provides application-wide observability primitives for
// biopulse: OpenTelemetry metrics, tracing, trace-aware structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all biopulse metrics.
const meterName = "github.com/MrWong99/biopulse"

// Tick outcomes recorded on [Metrics.Ticks].
const (
	OutcomePublished = "published"
	OutcomeSkipped   = "skipped"
	OutcomeFault     = "fault"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Frame loop ---

	// TickDuration tracks the wall time of one loop tick, from frame read to
	// the last sink returning.
	TickDuration metric.Float64Histogram

	// EstimatorDuration tracks the time a single estimator spends on a frame.
	// Use with attribute:
	//   attribute.String("estimator", ...)
	EstimatorDuration metric.Float64Histogram

	// Ticks counts loop ticks by outcome. Use with attribute:
	//   attribute.String("outcome", "published"|"skipped"|"fault")
	Ticks metric.Int64Counter

	// EstimatorFaults counts estimator errors and panics. Use with attribute:
	//   attribute.String("estimator", ...)
	EstimatorFaults metric.Int64Counter

	// --- Streaming ---

	// StreamClients tracks connected websocket subscribers. Use with attribute:
	//   attribute.String("stream", "samples"|"level"|"ingest")
	StreamClients metric.Int64UpDownCounter

	// StreamDrops counts messages discarded for slow websocket subscribers.
	StreamDrops metric.Int64Counter

	// --- History ---

	// HistoryWrites counts persisted samples by status. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"dropped")
	HistoryWrites metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// tickBuckets defines histogram bucket boundaries (in seconds) for per-frame
// processing, which runs well below the tick interval.
var tickBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TickDuration, err = m.Float64Histogram("biopulse.loop.tick.duration",
		metric.WithDescription("Latency of one frame loop tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EstimatorDuration, err = m.Float64Histogram("biopulse.estimator.duration",
		metric.WithDescription("Latency of a single estimator on one frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Ticks, err = m.Int64Counter("biopulse.loop.ticks",
		metric.WithDescription("Total loop ticks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.EstimatorFaults, err = m.Int64Counter("biopulse.estimator.faults",
		metric.WithDescription("Total estimator errors and panics by estimator."),
	); err != nil {
		return nil, err
	}
	if met.StreamDrops, err = m.Int64Counter("biopulse.stream.drops",
		metric.WithDescription("Messages discarded for slow stream subscribers."),
	); err != nil {
		return nil, err
	}
	if met.HistoryWrites, err = m.Int64Counter("biopulse.history.writes",
		metric.WithDescription("Samples handed to the history store by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.StreamClients, err = m.Int64UpDownCounter("biopulse.stream.clients",
		metric.WithDescription("Number of connected websocket clients by stream."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("biopulse.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTick records one loop tick with its outcome and duration in seconds.
// Skipped ticks do not contribute to the duration histogram.
func (m *Metrics) RecordTick(ctx context.Context, outcome string, seconds float64) {
	m.Ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome != OutcomeSkipped {
		m.TickDuration.Record(ctx, seconds)
	}
}

// RecordEstimator records one estimator run. A non-nil err also increments
// [Metrics.EstimatorFaults].
func (m *Metrics) RecordEstimator(ctx context.Context, estimator string, seconds float64, err error) {
	attrs := metric.WithAttributes(attribute.String("estimator", estimator))
	m.EstimatorDuration.Record(ctx, seconds, attrs)
	if err != nil {
		m.EstimatorFaults.Add(ctx, 1, attrs)
	}
}

// RecordHistoryWrite records one history write with the given status.
func (m *Metrics) RecordHistoryWrite(ctx context.Context, status string) {
	m.HistoryWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
