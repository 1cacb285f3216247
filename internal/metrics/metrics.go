package metrics

import (
	"context"
	"log/slog"
	"os"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const meterName = "urbanos-routing"

// Meter is the meter all instruments are created from. Until Init runs it is
// backed by the global (noop) provider so instruments are always safe to use.
var Meter metric.Meter

func init() {
	Meter = otelapi.Meter(meterName)
	if err := initializeInstruments(); err != nil {
		slog.Error("failed to initialize noop metric instruments", "error", err)
	}
}

// Init installs an OTLP/HTTP meter provider when OTEL_EXPORTER_OTLP_ENDPOINT is set.
func Init() (func(), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		slog.Debug("metrics export disabled")
		return func() {}, nil
	}

	ctx := context.Background()
	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		slog.Warn("failed to create OTLP metric exporter, using noop", "error", err)
		return func() {}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(meterName)))
	if err != nil {
		slog.Warn("failed to create resource, using noop", "error", err)
		return func() {}, nil
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(60*time.Second),
		)),
		sdkmetric.WithResource(res),
	)
	otelapi.SetMeterProvider(provider)

	Meter = provider.Meter(meterName)
	if err := initializeInstruments(); err != nil {
		return nil, err
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("error shutting down meter provider", "error", err)
		}
	}, nil
}
