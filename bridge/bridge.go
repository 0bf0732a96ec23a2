// Package bridge relays broker traffic and registry events into a
// durable stream. Each relayed message is wrapped in an envelope keyed
// by device id.
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/registry"
	"github.com/telefabric/telefabric/resilience"
	"github.com/telefabric/telefabric/sparkplug"
	"github.com/telefabric/telefabric/telemetry"
	"github.com/telefabric/telefabric/topic"
)

// Route binds one broker pattern to one stream topic.
type Route struct {
	Pattern     string
	StreamTopic string
}

// DefaultRoutes returns the standard topic map for a namespace, group,
// and management prefix.
func DefaultRoutes(namespace, groupID, prefix string) []Route {
	base := namespace + "/" + groupID
	return []Route{
		{Pattern: base + "/DBIRTH/+/+", StreamTopic: "iot.telemetry.sparkplug.birth"},
		{Pattern: base + "/DDATA/+/+", StreamTopic: "iot.telemetry.sparkplug.data"},
		{Pattern: base + "/DDEATH/+/+", StreamTopic: "iot.telemetry.sparkplug.death"},
		{Pattern: prefix + "/+/reg", StreamTopic: "iot.telemetry.lwm2m.registration"},
		{Pattern: prefix + "/+/update", StreamTopic: "iot.telemetry.lwm2m.update"},
	}
}

// RegistryEventStream receives registry fan-out events.
const RegistryEventStream = "iot.fabric.registry.events"

// Envelope wraps every relayed message.
type Envelope struct {
	DeviceID    string      `json:"device_id"`
	SourceTopic string      `json:"source_topic"`
	Timestamp   string      `json:"timestamp"`
	PayloadSize int         `json:"payload_size"`
	Data        interface{} `json:"data"`
}

// Bridge subscribes the configured routes and relays matches.
type Bridge struct {
	routes   []Route
	producer StreamProducer
	logger   core.Logger
	metrics  *telemetry.Metrics
	breaker  *resilience.CircuitBreaker

	bridged atomic.Uint64
	errors  atomic.Uint64
}

// New builds a bridge. metrics may be nil.
func New(routes []Route, producer StreamProducer, metrics *telemetry.Metrics, logger core.Logger) *Bridge {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Bridge{
		routes:   routes,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("stream")),
	}
}

// Routes returns the configured topic map.
func (b *Bridge) Routes() []Route {
	return b.routes
}

// Counters reports messages bridged and relay errors.
func (b *Bridge) Counters() (bridged, errors uint64) {
	return b.bridged.Load(), b.errors.Load()
}

// HandleMessage relays one inbound broker message if a route matches.
func (b *Bridge) HandleMessage(t string, payload []byte) {
	for _, route := range b.routes {
		if !topic.Match(route.Pattern, t) {
			continue
		}
		b.relay(route.StreamTopic, t, payload)
		return
	}
}

func (b *Bridge) relay(streamTopic, sourceTopic string, payload []byte) {
	deviceID := deviceIDFromTopic(sourceTopic)
	env := Envelope{
		DeviceID:    deviceID,
		SourceTopic: sourceTopic,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		PayloadSize: len(payload),
		Data:        decodeBody(sourceTopic, payload),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		b.countError(streamTopic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = resilience.RetryWithCircuitBreaker(ctx, resilience.DefaultRetryConfig(), b.breaker, func() error {
		return b.producer.Produce(ctx, streamTopic, deviceID, raw)
	})
	if err != nil {
		b.countError(streamTopic)
		b.logger.Error("stream produce failed", map[string]interface{}{
			"stream":    streamTopic,
			"device_id": deviceID,
			"error":     err,
		})
		return
	}

	b.bridged.Add(1)
	b.metrics.RecordBridged(ctx, streamTopic)
}

func (b *Bridge) countError(streamTopic string) {
	b.errors.Add(1)
	b.metrics.RecordBridgeError(context.Background(), streamTopic)
}

// DrainEvents relays registry events until the channel closes or ctx
// is done.
func (b *Bridge) DrainEvents(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = b.producer.Produce(pctx, RegistryEventStream, ev.DeviceID, raw)
			cancel()
			if err != nil {
				b.countError(RegistryEventStream)
				continue
			}
			b.bridged.Add(1)
			b.metrics.RecordBridged(ctx, RegistryEventStream)
		}
	}
}

// decodeBody decodes telemetry payloads via the metric codec and
// management payloads as JSON; anything else rides as hex.
func decodeBody(sourceTopic string, payload []byte) interface{} {
	if parsed, err := topic.ParseTelemetry(sourceTopic); err == nil {
		if p, err := sparkplug.Decode(payload); err == nil {
			return telemetryBody(parsed, p)
		}
		return map[string]interface{}{"raw_payload": hex.EncodeToString(payload)}
	}

	var body interface{}
	if err := json.Unmarshal(payload, &body); err == nil {
		return body
	}
	return map[string]interface{}{"raw_payload": hex.EncodeToString(payload)}
}

func telemetryBody(t topic.Telemetry, p *sparkplug.Payload) map[string]interface{} {
	metrics := make([]map[string]interface{}, 0, len(p.Metrics))
	for _, m := range p.Metrics {
		metrics = append(metrics, map[string]interface{}{
			"name":      m.Name,
			"value":     m.Value(),
			"datatype":  uint32(m.DataType),
			"timestamp": m.Timestamp,
		})
	}
	body := map[string]interface{}{
		"message_type": string(t.MessageType),
		"timestamp":    p.Timestamp,
		"seq":          int(p.Seq),
		"metrics":      metrics,
	}
	if p.UUID != "" {
		body["uuid"] = p.UUID
	}
	return body
}

// deviceIDFromTopic pulls the key out of either topic family.
func deviceIDFromTopic(t string) string {
	if parsed, err := topic.ParseTelemetry(t); err == nil {
		if parsed.DeviceID != "" {
			return parsed.DeviceID
		}
		return parsed.NodeID
	}
	if parsed, err := topic.ParseMgmt(t); err == nil {
		return parsed.DeviceID
	}
	return "unknown"
}
