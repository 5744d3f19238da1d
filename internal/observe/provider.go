package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// DefaultSampleRatio is the fraction of traces kept when
// [ProviderConfig.SampleRatio] is zero.
const DefaultSampleRatio = 0.01

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "biopulse".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of root spans kept. Every loop tick starts
	// a root span, so the default keeps one in a hundred; values of 1 or more
	// keep everything.
	SampleRatio float64
}

func (cfg ProviderConfig) sampler() sdktrace.Sampler {
	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = DefaultSampleRatio
	}
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Telemetry holds the SDK providers installed by [InitProvider] and the
// Prometheus registry their metrics are exported to.
type Telemetry struct {
	Meters   *sdkmetric.MeterProvider
	Tracers  *sdktrace.TracerProvider
	Registry *prometheus.Registry
}

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{Registry: t.Registry})
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracers.Shutdown(ctx), t.Meters.Shutdown(ctx))
}

// InitProvider builds the meter and tracer providers and installs them, plus
// the W3C trace-context propagator, as the OTel globals. Metrics go to a
// private Prometheus registry that also carries the Go runtime and process
// collectors; serve it with [Telemetry.Handler].
//
// Call [Telemetry.Shutdown] before exiting.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "biopulse"
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	tel := &Telemetry{
		Registry: reg,
		Meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
		),
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tel.Tracers = sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(tel.Meters)
	otel.SetTracerProvider(tel.Tracers)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tel, nil
}
