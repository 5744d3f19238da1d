package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func TestProviderConfig_Sampler(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		want  string
	}{
		{"default", 0, "TraceIDRatioBased{0.01}"},
		{"custom", 0.25, "TraceIDRatioBased{0.25}"},
		{"always", 1, "AlwaysOnSampler"},
		{"above one", 3, "AlwaysOnSampler"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ProviderConfig{SampleRatio: tc.ratio}.sampler().Description()
			if !strings.Contains(got, tc.want) {
				t.Errorf("sampler = %q, want it to contain %q", got, tc.want)
			}
		})
	}
}

func TestInitProvider_ExportsToOwnRegistry(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	origProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if otel.GetMeterProvider() == origMP || otel.GetTracerProvider() == origTP {
		t.Error("global providers were not replaced")
	}

	m, err := NewMetrics(tel.Meters)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.Ticks.Add(context.Background(), 3, metric.WithAttributes(attribute.String("outcome", "published")))

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"biopulse_loop_ticks", "go_goroutines", `service_name="biopulse"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape is missing %s", want)
		}
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestInitProvider_ResourceUsesSDKSchema(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	origProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceName: "biopulse-test", SampleRatio: 1})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	rec := tracetest.NewSpanRecorder()
	tel.Tracers.RegisterSpanProcessor(rec)
	_, span := StartSpan(context.Background(), "loop.tick")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	res := ended[0].Resource()
	if got := res.SchemaURL(); got != semconv.SchemaURL {
		t.Errorf("resource schema = %q, want %q", got, semconv.SchemaURL)
	}
	if v, ok := res.Set().Value(semconv.ServiceNameKey); !ok || v.AsString() != "biopulse-test" {
		t.Errorf("service.name = %v, want biopulse-test", v.AsString())
	}
}
