// Package registry holds the single authoritative device view, merged
// from the telemetry and management paths, and fans out change events
// to subscribers over bounded drop-oldest queues.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/mgmt"
	"github.com/telefabric/telefabric/sparkplug"
)

// Status is the merged device status.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusStale   Status = "stale"
	StatusOffline Status = "offline"
	StatusTripped Status = "tripped"
)

// MetricValue is one telemetry metric's latest observation.
type MetricValue struct {
	Value     interface{}        `json:"value"`
	DataType  sparkplug.DataType `json:"datatype"`
	Timestamp int64              `json:"timestamp"`
}

// Capability describes one metric per the device description.
type Capability struct {
	Type  string  `json:"type"`
	Units string  `json:"units,omitempty"`
	Min   float64 `json:"min,omitempty"`
	Max   float64 `json:"max,omitempty"`
}

// Device is the unified record. All fields are snapshots; mutation
// happens only inside the registry.
type Device struct {
	DeviceID     string                 `json:"device_id"`
	DeviceType   string                 `json:"device_type"`
	GroupID      string                 `json:"group_id,omitempty"`
	Status       Status                 `json:"status"`
	RegisteredAt int64                  `json:"registered_at,omitempty"`
	LastSeen     int64                  `json:"last_seen,omitempty"`
	BirthTime    int64                  `json:"birth_time,omitempty"`
	DeathTime    int64                  `json:"death_time,omitempty"`
	LifetimeS    int                    `json:"lifetime_s,omitempty"`
	MgmtObjects  mgmt.ObjectTree        `json:"mgmt_objects,omitempty"`
	Metrics      map[string]MetricValue `json:"telemetry_metrics,omitempty"`
	Capabilities map[string]Capability  `json:"capabilities,omitempty"`
}

// EventType enumerates fan-out events.
type EventType string

const (
	EventDeviceRegistered   EventType = "device_registered"
	EventDeviceUpdated      EventType = "device_updated"
	EventDeviceDeregistered EventType = "device_deregistered"
	EventCommandResponse    EventType = "command_response"
	EventTelemetryBirth     EventType = "telemetry_birth"
	EventTelemetryDeath     EventType = "telemetry_death"
)

// Event is one registry change notification.
type Event struct {
	EventType EventType              `json:"event_type"`
	DeviceID  string                 `json:"device_id"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Filter selects events for a subscriber. Nil matches everything.
type Filter func(Event) bool

type subscriber struct {
	ch     chan Event
	filter Filter
}

// record is the internal mutable state behind a Device snapshot.
type record struct {
	device     Device
	birthOK    bool
	regOK      bool
	expectsReg bool
}

// Registry is safe for concurrent use. The write lock is held only
// while a record is updated; subscribers are notified after release.
type Registry struct {
	logger    core.Logger
	queueSize int

	mu      sync.RWMutex
	devices map[string]*record
	subs    []*subscriber
	dropped uint64
}

// New builds an empty registry. queueSize bounds each subscriber's
// event queue; overflow drops the oldest event.
func New(queueSize int, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if queueSize <= 0 {
		queueSize = 10000
	}
	return &Registry{
		logger:    logger,
		queueSize: queueSize,
		devices:   make(map[string]*record),
	}
}

// Get returns a snapshot of one device.
func (r *Registry) Get(deviceID string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[deviceID]
	if !ok {
		return Device{}, core.ErrDeviceNotFound
	}
	return cloneDevice(&rec.device), nil
}

// List returns snapshots of every device passing the filter. A nil
// filter lists everything.
func (r *Registry) List(filter func(Device) bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, rec := range r.devices {
		d := cloneDevice(&rec.device)
		if filter == nil || filter(d) {
			out = append(out, d)
		}
	}
	return out
}

// SubscribeEvents returns a bounded stream of registry events.
func (r *Registry) SubscribeEvents(filter Filter) <-chan Event {
	sub := &subscriber{ch: make(chan Event, r.queueSize), filter: filter}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub.ch
}

// DroppedEvents reports how many events overflowed subscriber queues.
func (r *Registry) DroppedEvents() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// SetCapabilities attaches description-derived capabilities to a
// device, creating the record if needed.
func (r *Registry) SetCapabilities(deviceID string, caps map[string]Capability) {
	r.mu.Lock()
	rec := r.record(deviceID)
	rec.device.Capabilities = caps
	r.mu.Unlock()
}

func (r *Registry) emit(ev Event) {
	ev.Timestamp = time.Now().UnixMilli()

	r.mu.Lock()
	subs := make([]*subscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// full: drop the oldest and retry
				select {
				case <-sub.ch:
					r.mu.Lock()
					r.dropped++
					r.mu.Unlock()
				default:
				}
				continue
			}
			break
		}
	}
}

// record returns the mutable record for a device, creating it on first
// contact. Caller holds the write lock.
func (r *Registry) record(deviceID string) *record {
	rec, ok := r.devices[deviceID]
	if !ok {
		rec = &record{device: Device{
			DeviceID:   deviceID,
			DeviceType: inferDeviceType(deviceID),
			Status:     StatusUnknown,
		}}
		r.devices[deviceID] = rec
	}
	return rec
}

// recompute applies the status invariant: online needs a live birth
// and, when the device registers at all, a live registration.
func (rec *record) recompute() {
	switch {
	case rec.device.Status == StatusTripped:
		// cleared only by an explicit close/reset or a fresh birth
	case !rec.birthOK && !rec.regOK:
		rec.device.Status = StatusOffline
	case rec.birthOK && (!rec.expectsReg || rec.regOK):
		rec.device.Status = StatusOnline
	case !rec.birthOK && rec.regOK:
		rec.device.Status = StatusOnline
	default:
		rec.device.Status = StatusStale
	}
}

// --- sparkplug.TelemetrySink ---

// OnBirth replaces the telemetry schema and values wholesale.
func (r *Registry) OnBirth(nodeID, deviceID string, p *sparkplug.Payload) {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	rec := r.record(deviceID)
	first := rec.device.BirthTime == 0 && rec.device.RegisteredAt == 0
	rec.device.BirthTime = now
	rec.device.LastSeen = now
	rec.device.Metrics = make(map[string]MetricValue, len(p.Metrics))
	for _, m := range p.Metrics {
		rec.device.Metrics[m.Name] = MetricValue{Value: m.Value(), DataType: m.DataType, Timestamp: m.Timestamp}
	}
	rec.birthOK = true
	if rec.device.Status == StatusTripped {
		rec.device.Status = StatusUnknown
	}
	rec.recompute()
	r.mu.Unlock()

	if first {
		r.emit(Event{EventType: EventDeviceRegistered, DeviceID: deviceID,
			Data: map[string]interface{}{"origin": "telemetry"}})
	}
	r.emit(Event{EventType: EventTelemetryBirth, DeviceID: deviceID,
		Data: map[string]interface{}{"metric_count": len(p.Metrics)}})
}

// OnData merges metrics by name; absent metrics keep their values.
func (r *Registry) OnData(nodeID, deviceID string, p *sparkplug.Payload) {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	rec := r.record(deviceID)
	if rec.device.Metrics == nil {
		rec.device.Metrics = make(map[string]MetricValue, len(p.Metrics))
	}
	for _, m := range p.Metrics {
		rec.device.Metrics[m.Name] = MetricValue{Value: m.Value(), DataType: m.DataType, Timestamp: m.Timestamp}
	}
	rec.device.LastSeen = now
	rec.birthOK = true
	rec.recompute()
	r.mu.Unlock()

	r.emit(Event{EventType: EventDeviceUpdated, DeviceID: deviceID,
		Data: map[string]interface{}{"origin": "telemetry", "metric_count": len(p.Metrics)}})
}

// OnDeath clears metrics and marks the device offline; the record
// itself survives.
func (r *Registry) OnDeath(nodeID, deviceID string, p *sparkplug.Payload) {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	rec := r.record(deviceID)
	rec.device.DeathTime = now
	rec.device.Metrics = nil
	rec.birthOK = false
	rec.device.Status = StatusOffline
	r.mu.Unlock()

	r.emit(Event{EventType: EventTelemetryDeath, DeviceID: deviceID, Data: map[string]interface{}{}})
	r.emit(Event{EventType: EventDeviceDeregistered, DeviceID: deviceID,
		Data: map[string]interface{}{"origin": "telemetry_death"}})
}

// OnStale marks the telemetry path stale.
func (r *Registry) OnStale(nodeID, deviceID, reason string) {
	r.mu.Lock()
	rec := r.record(deviceID)
	if rec.device.Status != StatusOffline && rec.device.Status != StatusTripped {
		rec.device.Status = StatusStale
	}
	r.mu.Unlock()

	r.emit(Event{EventType: EventDeviceUpdated, DeviceID: deviceID,
		Data: map[string]interface{}{"origin": "telemetry", "stale_reason": reason}})
}

// --- mgmt.MgmtSink ---

// OnRegistration replaces the object tree and restarts the lifetime.
func (r *Registry) OnRegistration(deviceID string, reg *mgmt.Registration) {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	rec := r.record(deviceID)
	first := rec.device.BirthTime == 0 && rec.device.RegisteredAt == 0
	rec.device.RegisteredAt = now
	rec.device.LastSeen = now
	rec.device.LifetimeS = reg.Lifetime
	rec.device.MgmtObjects = reg.Objects.Clone()
	rec.regOK = true
	rec.expectsReg = true
	rec.recompute()
	r.mu.Unlock()

	if first {
		r.emit(Event{EventType: EventDeviceRegistered, DeviceID: deviceID,
			Data: map[string]interface{}{"origin": "mgmt", "lifetime": reg.Lifetime}})
	}
	r.emit(Event{EventType: EventDeviceUpdated, DeviceID: deviceID,
		Data: map[string]interface{}{"origin": "mgmt_registration"}})
}

// OnUpdate merges into the object tree and refreshes the lifetime.
func (r *Registry) OnUpdate(deviceID string, objects mgmt.ObjectTree) {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	rec := r.record(deviceID)
	if rec.device.MgmtObjects == nil {
		rec.device.MgmtObjects = make(mgmt.ObjectTree)
	}
	rec.device.MgmtObjects.Merge(objects)
	rec.device.LastSeen = now
	rec.regOK = true
	rec.recompute()
	r.mu.Unlock()

	r.emit(Event{EventType: EventDeviceUpdated, DeviceID: deviceID,
		Data: map[string]interface{}{"origin": "mgmt_update"}})
}

// OnDeregistration marks the device offline; the record survives.
func (r *Registry) OnDeregistration(deviceID string) {
	r.mu.Lock()
	rec := r.record(deviceID)
	rec.regOK = false
	rec.device.Status = StatusOffline
	r.mu.Unlock()

	r.emit(Event{EventType: EventDeviceDeregistered, DeviceID: deviceID,
		Data: map[string]interface{}{"origin": "mgmt"}})
}

// OnLifetimeStale marks the management path stale.
func (r *Registry) OnLifetimeStale(deviceID string) {
	r.mu.Lock()
	rec := r.record(deviceID)
	rec.regOK = false
	if rec.device.Status != StatusOffline && rec.device.Status != StatusTripped {
		rec.device.Status = StatusStale
	}
	r.mu.Unlock()

	r.emit(Event{EventType: EventDeviceUpdated, DeviceID: deviceID,
		Data: map[string]interface{}{"origin": "mgmt", "stale_reason": "lifetime expired"}})
}

// OnLifetimeExpired marks the device offline after two silent
// lifetimes.
func (r *Registry) OnLifetimeExpired(deviceID string) {
	r.mu.Lock()
	rec := r.record(deviceID)
	rec.regOK = false
	rec.device.Status = StatusOffline
	r.mu.Unlock()

	r.emit(Event{EventType: EventDeviceDeregistered, DeviceID: deviceID,
		Data: map[string]interface{}{"origin": "mgmt", "reason": "lifetime exhausted"}})
}

// OnCommandResponse records a correlated response observation.
func (r *Registry) OnCommandResponse(deviceID string, resp *mgmt.Response) {
	r.emit(Event{EventType: EventCommandResponse, DeviceID: deviceID,
		Data: map[string]interface{}{
			"status":         resp.Status,
			"correlation_id": resp.CorrelationID,
		}})
}

// OnEvent handles device-originated notifications. Trip events flip
// the status; close and reset events clear it.
func (r *Registry) OnEvent(deviceID string, ev *mgmt.Event) {
	r.mu.Lock()
	rec := r.record(deviceID)
	switch {
	case strings.Contains(ev.EventType, "trip"):
		rec.device.Status = StatusTripped
	case strings.Contains(ev.EventType, "close"), strings.Contains(ev.EventType, "reset"):
		if rec.device.Status == StatusTripped {
			rec.device.Status = StatusUnknown
			rec.recompute()
		}
	}
	r.mu.Unlock()

	r.emit(Event{EventType: EventDeviceUpdated, DeviceID: deviceID,
		Data: map[string]interface{}{"origin": "device_event", "event_type": ev.EventType}})
}

func cloneDevice(d *Device) Device {
	out := *d
	if d.Metrics != nil {
		out.Metrics = make(map[string]MetricValue, len(d.Metrics))
		for k, v := range d.Metrics {
			out.Metrics[k] = v
		}
	}
	if d.MgmtObjects != nil {
		out.MgmtObjects = d.MgmtObjects.Clone()
	}
	if d.Capabilities != nil {
		out.Capabilities = make(map[string]Capability, len(d.Capabilities))
		for k, v := range d.Capabilities {
			out.Capabilities[k] = v
		}
	}
	return out
}

// inferDeviceType extracts the type token from ids shaped like
// device-<type>-<ordinal>.
func inferDeviceType(deviceID string) string {
	parts := strings.Split(deviceID, "-")
	if len(parts) >= 3 && parts[0] == "device" {
		return strings.Join(parts[1:len(parts)-1], "-")
	}
	return "unknown"
}
