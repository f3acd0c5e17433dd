package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds OpenTelemetry configuration. Only metrics are exported;
// the gateway carries no tracing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	ExportMetrics  bool
	MetricInterval time.Duration
}

// DefaultConfig returns a default telemetry configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "event-gateway",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4318",
		ExportMetrics:  false,
		MetricInterval: 30 * time.Second,
	}
}

// Setup initializes the OpenTelemetry meter provider. When ExportMetrics is
// false the provider has no reader attached, so instruments still work but
// nothing leaves the process; the in-memory snapshot remains available
// either way. Returns a shutdown function.
func Setup(ctx context.Context, config *Config) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if config.ExportMetrics {
		exporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(config.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(config.MetricInterval)),
		))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	return meterProvider.Shutdown, nil
}

// GetMeter returns a meter for the given name
func GetMeter(name string) metric.Meter {
	return otel.Meter(name)
}

// GatewayMetrics holds the gateway's instruments.
type GatewayMetrics struct {
	EventsPublished   metric.Int64Counter
	DeliveryOutcomes  metric.Int64Counter
	SubscriberLag     metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
}

// NewGatewayMetrics creates the gateway's instruments.
func NewGatewayMetrics() (*GatewayMetrics, error) {
	meter := GetMeter("event-gateway")

	eventsPublished, err := meter.Int64Counter(
		"gateway_events_published_total",
		metric.WithDescription("Total events published to the bus, by type"),
	)
	if err != nil {
		return nil, err
	}

	deliveryOutcomes, err := meter.Int64Counter(
		"gateway_webhook_deliveries_total",
		metric.WithDescription("Terminal webhook delivery outcomes, by result"),
	)
	if err != nil {
		return nil, err
	}

	subscriberLag, err := meter.Int64Counter(
		"gateway_subscriber_lag_total",
		metric.WithDescription("Events dropped because a subscriber fell behind"),
	)
	if err != nil {
		return nil, err
	}

	activeConnections, err := meter.Int64UpDownCounter(
		"gateway_active_connections",
		metric.WithDescription("Currently connected WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	return &GatewayMetrics{
		EventsPublished:   eventsPublished,
		DeliveryOutcomes:  deliveryOutcomes,
		SubscriberLag:     subscriberLag,
		ActiveConnections: activeConnections,
	}, nil
}
