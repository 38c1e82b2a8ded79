// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Gauges holds the callbacks sampled on every metrics scrape.
// A nil callback skips that instrument.
type Gauges struct {
	ActiveJobs     func() int64
	CachedSessions func() int64
	AvailableGPUs  func() int64
}

// RegisterGauges registers observable gauges for the bridge's live state.
// Call after InitMetrics so the instruments land on the global provider.
func RegisterGauges(g Gauges) error {
	meter := otel.Meter("hubbridge")

	if g.ActiveJobs != nil {
		_, err := meter.Int64ObservableGauge("hubbridge_jobs_active",
			metric.WithDescription("Jobs in Pending or Running phase"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(g.ActiveJobs())
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to register active jobs gauge: %w", err)
		}
	}

	if g.CachedSessions != nil {
		_, err := meter.Int64ObservableGauge("hubbridge_sessions_cached",
			metric.WithDescription("Verified sessions currently cached"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(g.CachedSessions())
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to register cached sessions gauge: %w", err)
		}
	}

	if g.AvailableGPUs != nil {
		_, err := meter.Int64ObservableGauge("hubbridge_gpus_available",
			metric.WithDescription("Unreserved GPUs across schedulable nodes"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(g.AvailableGPUs())
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to register available gpus gauge: %w", err)
		}
	}

	return nil
}
