package sparkplug

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/topic"
)

// TelemetrySink receives the host engine's validated observations.
// The registry implements this; the engine never mutates device
// records itself.
type TelemetrySink interface {
	OnBirth(nodeID, deviceID string, p *Payload)
	OnData(nodeID, deviceID string, p *Payload)
	OnDeath(nodeID, deviceID string, p *Payload)
	OnStale(nodeID, deviceID, reason string)
}

type nodeState struct {
	expectedSeq uint8
	born        bool
	stale       bool
}

type deviceTrack struct {
	nodeID   string
	lastData time.Time
	interval time.Duration // estimated from inter-arrival; 0 = unknown
	stale    bool
	dead     bool
}

// HostEngine validates inbound telemetry per edge node: sequence
// tracking, rebirth requests on gaps, and staleness sweeps. Messages
// for one node must be handed in broker-delivery order.
type HostEngine struct {
	namespace string
	groupID   string

	pub    Publisher
	sink   TelemetrySink
	logger core.Logger

	staleAfter time.Duration
	staleMult  int
	sweepEvery time.Duration

	mu      sync.Mutex
	nodes   map[string]*nodeState
	devices map[string]*deviceTrack
}

// NewHostEngine builds a host engine bound to one namespace/group.
func NewHostEngine(namespace, groupID string, cfg core.HostConfig, pub Publisher, sink TelemetrySink, logger core.Logger) *HostEngine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HostEngine{
		namespace:  namespace,
		groupID:    groupID,
		pub:        pub,
		sink:       sink,
		logger:     logger,
		staleAfter: cfg.StaleAfter,
		staleMult:  cfg.StaleMultiplier,
		sweepEvery: cfg.SweepInterval,
		nodes:      make(map[string]*nodeState),
		devices:    make(map[string]*deviceTrack),
	}
}

// SubscriptionTopics returns the patterns the host must subscribe to.
func (h *HostEngine) SubscriptionTopics() []string {
	base := h.namespace + "/" + h.groupID
	return []string{
		base + "/DBIRTH/+/+",
		base + "/DDATA/+/+",
		base + "/DDEATH/+/+",
	}
}

// HandleMessage processes one inbound telemetry message.
func (h *HostEngine) HandleMessage(t string, payload []byte) {
	parsed, err := topic.ParseTelemetry(t)
	if err != nil {
		h.logger.Warn("unparseable telemetry topic", map[string]interface{}{
			"topic": t,
			"error": err,
		})
		return
	}

	p, err := Decode(payload)
	if err != nil {
		h.logger.Warn("undecodable telemetry payload", map[string]interface{}{
			"topic": t,
			"error": err,
		})
		return
	}

	switch parsed.MessageType {
	case topic.DBirth:
		h.handleBirth(parsed.NodeID, parsed.DeviceID, p)
	case topic.DData:
		h.handleData(parsed.NodeID, parsed.DeviceID, p)
	case topic.DDeath:
		h.handleDeath(parsed.NodeID, parsed.DeviceID, p)
	default:
		// NCMD/DCMD are outbound-only on the host side
	}
}

func (h *HostEngine) handleBirth(nodeID, deviceID string, p *Payload) {
	h.mu.Lock()
	n := h.node(nodeID)
	n.expectedSeq = 1
	n.born = true
	n.stale = false
	d := h.device(nodeID, deviceID)
	d.lastData = time.Now()
	d.stale = false
	d.dead = false
	h.mu.Unlock()

	h.logger.Info("device birth", map[string]interface{}{
		"device_id": deviceID,
		"node_id":   nodeID,
		"metrics":   len(p.Metrics),
	})
	h.sink.OnBirth(nodeID, deviceID, p)
}

func (h *HostEngine) handleData(nodeID, deviceID string, p *Payload) {
	h.mu.Lock()
	n := h.node(nodeID)

	if !n.born || n.stale || p.Seq != n.expectedSeq {
		wasStale := n.stale
		wanted := n.expectedSeq
		n.stale = true
		h.mu.Unlock()

		if wasStale {
			// rebirth already requested, drop quietly until it lands
			return
		}
		h.logger.Warn("sequence gap, requesting rebirth", map[string]interface{}{
			"device_id": deviceID,
			"node_id":   nodeID,
			"got":       int(p.Seq),
			"expected":  int(wanted),
		})
		h.sink.OnStale(nodeID, deviceID, fmt.Sprintf("sequence gap: got %d expected %d", p.Seq, wanted))
		h.requestRebirth(nodeID)
		return
	}

	n.expectedSeq = p.Seq + 1 // wraps mod 256
	d := h.device(nodeID, deviceID)
	now := time.Now()
	if !d.lastData.IsZero() {
		d.interval = now.Sub(d.lastData)
	}
	d.lastData = now
	d.stale = false
	h.mu.Unlock()

	h.sink.OnData(nodeID, deviceID, p)
}

func (h *HostEngine) handleDeath(nodeID, deviceID string, p *Payload) {
	h.mu.Lock()
	n := h.node(nodeID)
	n.born = false
	d := h.device(nodeID, deviceID)
	d.dead = true
	h.mu.Unlock()

	h.logger.Info("device death", map[string]interface{}{
		"device_id": deviceID,
		"node_id":   nodeID,
	})
	h.sink.OnDeath(nodeID, deviceID, p)
}

// requestRebirth publishes an NCMD asking the node for a fresh birth.
func (h *HostEngine) requestRebirth(nodeID string) {
	m, _ := NewMetric("Node Control/Rebirth", DataTypeBoolean, time.Now().UnixMilli(), true)
	p := &Payload{Timestamp: time.Now().UnixMilli(), Metrics: []Metric{m}}
	raw, err := Encode(p)
	if err != nil {
		return
	}
	t := topic.Telemetry{
		Namespace:   h.namespace,
		GroupID:     h.groupID,
		MessageType: topic.NCmd,
		NodeID:      nodeID,
	}
	if err := h.pub.Publish(t.String(), raw, 1, false); err != nil {
		h.logger.Error("rebirth request failed", map[string]interface{}{
			"node_id": nodeID,
			"error":   err,
		})
	}
}

// Run performs the low-frequency staleness sweep until ctx is done.
func (h *HostEngine) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

// sweep marks devices stale when no data has arrived within the
// threshold: a multiple of the observed publish interval, or the
// configured fallback when the interval is unknown.
func (h *HostEngine) sweep(now time.Time) {
	type staleHit struct{ nodeID, deviceID string }
	var hits []staleHit

	h.mu.Lock()
	for id, d := range h.devices {
		if d.stale || d.dead || d.lastData.IsZero() {
			continue
		}
		threshold := h.staleAfter
		if d.interval > 0 {
			threshold = time.Duration(h.staleMult) * d.interval
		}
		if now.Sub(d.lastData) >= threshold {
			d.stale = true
			hits = append(hits, staleHit{nodeID: d.nodeID, deviceID: id})
		}
	}
	h.mu.Unlock()

	for _, hit := range hits {
		h.logger.Warn("device stale, no recent data", map[string]interface{}{
			"device_id": hit.deviceID,
			"node_id":   hit.nodeID,
		})
		h.sink.OnStale(hit.nodeID, hit.deviceID, "no data within staleness threshold")
	}
}

func (h *HostEngine) node(id string) *nodeState {
	n, ok := h.nodes[id]
	if !ok {
		n = &nodeState{}
		h.nodes[id] = n
	}
	return n
}

func (h *HostEngine) device(nodeID, deviceID string) *deviceTrack {
	d, ok := h.devices[deviceID]
	if !ok {
		d = &deviceTrack{nodeID: nodeID}
		h.devices[deviceID] = d
	}
	return d
}
