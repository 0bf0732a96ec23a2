// Package telemetry instruments the fabric with OpenTelemetry metrics.
// The meter provider is injected; no exporter is wired here, so the
// instruments are no-ops unless the process installs a provider.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the fabric's instruments. Create once per process and
// share; instruments are safe for concurrent use.
type Metrics struct {
	MessagesBridged metric.Int64Counter
	BridgeErrors    metric.Int64Counter
	EventsDropped   metric.Int64Counter
	CommandLatency  metric.Float64Histogram
	DevicesOnline   metric.Int64UpDownCounter
}

// NewMetrics builds the instrument set on the given provider. A nil
// provider falls back to the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("github.com/telefabric/telefabric")

	bridged, err := meter.Int64Counter("fabric.bridge.messages",
		metric.WithDescription("Messages relayed to the durable stream"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("fabric.bridge.errors",
		metric.WithDescription("Bridge relay failures"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("fabric.registry.events_dropped",
		metric.WithDescription("Registry events dropped on queue overflow"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("fabric.command.latency",
		metric.WithDescription("Command round-trip latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	online, err := meter.Int64UpDownCounter("fabric.devices.online",
		metric.WithDescription("Devices currently online"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		MessagesBridged: bridged,
		BridgeErrors:    errs,
		EventsDropped:   dropped,
		CommandLatency:  latency,
		DevicesOnline:   online,
	}, nil
}

// RecordBridged counts one relayed message per stream topic.
func (m *Metrics) RecordBridged(ctx context.Context, streamTopic string) {
	if m == nil {
		return
	}
	m.MessagesBridged.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", streamTopic)))
}

// RecordBridgeError counts one relay failure per stream topic.
func (m *Metrics) RecordBridgeError(ctx context.Context, streamTopic string) {
	if m == nil {
		return
	}
	m.BridgeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", streamTopic)))
}
