package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"biopulse.loop.tick.duration", m.TickDuration},
		{"biopulse.estimator.duration", m.EstimatorDuration},
		{"biopulse.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.0012)
		tc.h.Record(ctx, 0.0034)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumFor returns the value of the data point carrying key=value, or -1.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestRecordTick(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTick(ctx, OutcomePublished, 0.001)
	m.RecordTick(ctx, OutcomePublished, 0.002)
	m.RecordTick(ctx, OutcomeSkipped, 0)
	m.RecordTick(ctx, OutcomeFault, 0.003)

	rm := collect(t, reader)

	tests := []struct {
		outcome string
		want    int64
	}{
		{OutcomePublished, 2},
		{OutcomeSkipped, 1},
		{OutcomeFault, 1},
	}
	for _, tc := range tests {
		if got := sumFor(t, rm, "biopulse.loop.ticks", "outcome", tc.outcome); got != tc.want {
			t.Errorf("ticks{outcome=%s} = %d, want %d", tc.outcome, got, tc.want)
		}
	}

	// Skipped ticks are not timed.
	met := findMetric(rm, "biopulse.loop.tick.duration")
	if met == nil {
		t.Fatal("tick duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if got := hist.DataPoints[0].Count; got != 3 {
		t.Errorf("tick duration count = %d, want 3", got)
	}
}

func TestRecordEstimator(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEstimator(ctx, "vitals", 0.0001, nil)
	m.RecordEstimator(ctx, "affect", 0.0001, errors.New("boom"))
	m.RecordEstimator(ctx, "affect", 0.0001, errors.New("boom"))

	rm := collect(t, reader)
	if got := sumFor(t, rm, "biopulse.estimator.faults", "estimator", "affect"); got != 2 {
		t.Errorf("faults{estimator=affect} = %d, want 2", got)
	}
	if got := sumFor(t, rm, "biopulse.estimator.faults", "estimator", "vitals"); got != -1 {
		t.Errorf("faults{estimator=vitals} = %d, want no data point", got)
	}
}

func TestRecordHistoryWrite(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHistoryWrite(ctx, "ok")
	m.RecordHistoryWrite(ctx, "ok")
	m.RecordHistoryWrite(ctx, "dropped")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "biopulse.history.writes", "status", "ok"); got != 2 {
		t.Errorf("writes{status=ok} = %d, want 2", got)
	}
	if got := sumFor(t, rm, "biopulse.history.writes", "status", "dropped"); got != 1 {
		t.Errorf("writes{status=dropped} = %d, want 1", got)
	}
}

func TestStreamGaugeAndDrops(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so a connect/disconnect pair nets zero.
	samples := metric.WithAttributes(attribute.String("stream", "samples"))
	m.StreamClients.Add(ctx, 1, samples)
	m.StreamClients.Add(ctx, 1, samples)
	m.StreamClients.Add(ctx, -1, samples)
	m.StreamDrops.Add(ctx, 4)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "biopulse.stream.clients", "stream", "samples"); got != 1 {
		t.Errorf("clients{stream=samples} = %d, want 1", got)
	}

	met := findMetric(rm, "biopulse.stream.drops")
	if met == nil {
		t.Fatal("drops metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 4 {
		t.Errorf("drops = %+v, want 4", sum.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
