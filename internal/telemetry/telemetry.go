// Package telemetry provides OpenTelemetry metrics for synedrio.
//
// Metrics are disabled by default. When disabled a no-op meter provider is
// installed, so instruments created through Meter cost nothing. When enabled
// metrics are exported periodically to a writer (stderr in the gateway).
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationScope = "github.com/mtzanidakis/synedrio"

var shutdownFns []func(context.Context) error

// Init configures the global meter provider.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string, w io.Writer) error {
	if !cfg.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return fmt.Errorf("telemetry: stdout exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "synedrio"),
		attribute.String("service.version", version),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending metrics and shuts down the provider.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
