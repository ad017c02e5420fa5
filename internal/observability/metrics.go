// Package observability wires buildplane into OpenTelemetry: traces go to an
// OTLP collector, metrics are served in Prometheus format.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is the metrics pipeline of one process.
type Metrics struct {
	// Handler serves /metrics.
	Handler http.Handler
	// Builds records build outcomes.
	Builds *BuildMetrics

	provider *sdkmetric.MeterProvider
}

// InitMetrics installs a meter provider for svc that exports to a private
// Prometheus registry and creates the build instruments on it. When backlog
// is non-nil the queue depth and pending build gauges read from it; only one
// process per database should pass it.
func InitMetrics(ctx context.Context, svc Service, backlog BacklogSource) (*Metrics, error) {
	res, err := svc.Resource(ctx)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	meter := provider.Meter(meterName)

	builds, err := newBuildMetrics(meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create build metrics: %w", err)
	}
	if backlog != nil {
		if err := registerBacklogGauges(meter, backlog); err != nil {
			_ = provider.Shutdown(ctx)
			return nil, fmt.Errorf("failed to register backlog gauges: %w", err)
		}
	}

	return &Metrics{
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Builds:   builds,
		provider: provider,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
