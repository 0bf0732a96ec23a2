package mgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/topic"
)

// MgmtSink receives the host engine's validated observations. The
// registry implements this.
type MgmtSink interface {
	OnRegistration(deviceID string, reg *Registration)
	OnUpdate(deviceID string, objects ObjectTree)
	OnDeregistration(deviceID string)
	OnLifetimeStale(deviceID string)
	OnLifetimeExpired(deviceID string)
	OnCommandResponse(deviceID string, resp *Response)
	OnEvent(deviceID string, event *Event)
}

type regEntry struct {
	lifetime time.Duration
	lastSeen time.Time
	stale    bool
	offline  bool
}

type pendingCommand struct {
	ch chan *Response
}

// HostEngine is the management server side: the registration table,
// lifetime accounting, and correlated command dispatch.
type HostEngine struct {
	prefix string

	pub     Publisher
	sink    MgmtSink
	logger  core.Logger
	timeout time.Duration
	sweep   time.Duration

	mu      sync.Mutex
	table   map[string]*regEntry
	pending map[string]*pendingCommand // keyed by correlation_id
}

// NewHostEngine builds the management host engine.
func NewHostEngine(prefix string, cfg core.HostConfig, pub Publisher, sink MgmtSink, logger core.Logger) *HostEngine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HostEngine{
		prefix:  prefix,
		pub:     pub,
		sink:    sink,
		logger:  logger,
		timeout: cfg.CommandTimeout,
		sweep:   cfg.SweepInterval,
		table:   make(map[string]*regEntry),
		pending: make(map[string]*pendingCommand),
	}
}

// SubscriptionTopic returns the single wildcard pattern covering every
// management verb of every device.
func (h *HostEngine) SubscriptionTopic() string {
	return h.prefix + "/#"
}

// HandleMessage routes one inbound management message by verb.
func (h *HostEngine) HandleMessage(t string, payload []byte) {
	parsed, err := topic.ParseMgmt(t)
	if err != nil {
		h.logger.Warn("unparseable mgmt topic", map[string]interface{}{
			"topic": t,
			"error": err,
		})
		return
	}

	switch parsed.Verb {
	case topic.VerbReg:
		h.handleRegistration(parsed.DeviceID, payload)
	case topic.VerbUpdate:
		h.handleUpdate(parsed.DeviceID, payload)
	case topic.VerbBulk:
		h.handleBulk(parsed.DeviceID, payload)
	case topic.VerbDereg:
		h.handleDeregistration(parsed.DeviceID)
	case topic.VerbResp:
		h.handleResponse(parsed.DeviceID, payload)
	case topic.VerbEvent:
		h.handleEvent(parsed.DeviceID, payload)
	case topic.VerbConfig:
		h.handleConfig(parsed.DeviceID, payload)
	case topic.VerbCmd:
		// host-originated, nothing to do on echo
	}
}

func (h *HostEngine) handleRegistration(deviceID string, payload []byte) {
	var reg Registration
	if err := json.Unmarshal(payload, &reg); err != nil {
		h.logger.Warn("undecodable registration", map[string]interface{}{
			"device_id": deviceID,
			"error":     err,
		})
		return
	}
	if reg.Lifetime <= 0 {
		reg.Lifetime = 3600
	}

	h.mu.Lock()
	h.table[deviceID] = &regEntry{
		lifetime: time.Duration(reg.Lifetime) * time.Second,
		lastSeen: time.Now(),
	}
	h.mu.Unlock()

	h.logger.Info("device registered", map[string]interface{}{
		"device_id": deviceID,
		"lifetime":  reg.Lifetime,
		"objects":   len(reg.Objects),
	})
	h.sink.OnRegistration(deviceID, &reg)

	reply, err := json.Marshal(RegistrationReply{
		Status:   "registered",
		Location: "/rd/" + deviceID,
		Lifetime: reg.Lifetime,
	})
	if err != nil {
		return
	}
	h.publishReply(deviceID, "reg", reply)
}

func (h *HostEngine) handleUpdate(deviceID string, payload []byte) {
	var upd Update
	if err := json.Unmarshal(payload, &upd); err != nil {
		h.logger.Warn("undecodable update", map[string]interface{}{
			"device_id": deviceID,
			"error":     err,
		})
		return
	}
	if !h.touch(deviceID) {
		h.logger.Warn("update from unregistered device", map[string]interface{}{
			"device_id": deviceID,
		})
		return
	}
	h.sink.OnUpdate(deviceID, upd.Objects)

	reply, err := json.Marshal(UpdateReply{Status: "updated", Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	h.publishReply(deviceID, "update", reply)
}

func (h *HostEngine) handleBulk(deviceID string, payload []byte) {
	var env BulkEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.logger.Warn("undecodable bulk envelope", map[string]interface{}{
			"device_id": deviceID,
			"error":     err,
		})
		return
	}
	if !h.touch(deviceID) {
		return
	}
	// operations apply in envelope order
	for _, op := range env.BulkOperations {
		if op.Objects != nil {
			h.sink.OnUpdate(deviceID, op.Objects)
		}
	}
	h.logger.Debug("bulk envelope applied", map[string]interface{}{
		"device_id": deviceID,
		"count":     env.Count,
	})
}

func (h *HostEngine) handleDeregistration(deviceID string) {
	h.mu.Lock()
	if e, ok := h.table[deviceID]; ok {
		e.offline = true
	}
	h.mu.Unlock()
	h.logger.Info("device deregistered", map[string]interface{}{"device_id": deviceID})
	h.sink.OnDeregistration(deviceID)
}

func (h *HostEngine) handleResponse(deviceID string, payload []byte) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	if resp.CorrelationID == "" {
		// registration/update acks travel on resp topics too
		return
	}

	h.mu.Lock()
	p, ok := h.pending[resp.CorrelationID]
	if ok {
		delete(h.pending, resp.CorrelationID)
	}
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("uncorrelated response", map[string]interface{}{
			"device_id":      deviceID,
			"correlation_id": resp.CorrelationID,
		})
		return
	}
	p.ch <- &resp
	h.sink.OnCommandResponse(deviceID, &resp)
}

func (h *HostEngine) handleEvent(deviceID string, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if ev.DeviceID == "" {
		ev.DeviceID = deviceID
	}
	h.logger.Info("device event", map[string]interface{}{
		"device_id":  deviceID,
		"event_type": ev.EventType,
	})
	h.sink.OnEvent(deviceID, &ev)
}

func (h *HostEngine) handleConfig(deviceID string, payload []byte) {
	var doc struct {
		Configuration map[string]interface{} `json:"configuration"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil || doc.Configuration == nil {
		return
	}
	tree := ObjectTree{"configuration": {"0": doc.Configuration}}
	h.sink.OnUpdate(deviceID, tree)
}

// touch resets the lifetime timer. Returns false for unknown devices.
func (h *HostEngine) touch(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.table[deviceID]
	if !ok {
		return false
	}
	e.lastSeen = time.Now()
	e.stale = false
	e.offline = false
	return true
}

func (h *HostEngine) publishReply(deviceID, verb string, payload []byte) {
	t := topic.Mgmt{Prefix: h.prefix, DeviceID: deviceID, Verb: topic.VerbResp, Sub: verb}.String()
	if err := h.pub.Publish(t, payload, 1, false); err != nil {
		h.logger.Warn("reply publish failed", map[string]interface{}{
			"device_id": deviceID,
			"verb":      verb,
			"error":     err,
		})
	}
}

// SendCommand publishes a command and waits for the correlated
// response or the configured timeout, whichever comes first.
func (h *HostEngine) SendCommand(ctx context.Context, deviceID, verb string, params map[string]interface{}) (*Response, error) {
	h.mu.Lock()
	_, known := h.table[deviceID]
	h.mu.Unlock()
	if !known {
		return nil, core.NewFabricError("mgmt.SendCommand", "registry", core.ErrDeviceNotFound)
	}

	cmd := Command{
		CommandName:   verb,
		Parameters:    params,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	p := &pendingCommand{ch: make(chan *Response, 1)}
	h.mu.Lock()
	h.pending[cmd.CorrelationID] = p
	h.mu.Unlock()

	t := topic.Mgmt{Prefix: h.prefix, DeviceID: deviceID, Verb: topic.VerbCmd, Sub: verb}.String()
	if err := h.pub.Publish(t, raw, 1, false); err != nil {
		h.dropPending(cmd.CorrelationID)
		return nil, core.NewFabricError("mgmt.SendCommand", "transport", err)
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		h.dropPending(cmd.CorrelationID)
		return nil, ctx.Err()
	case <-timer.C:
		h.dropPending(cmd.CorrelationID)
		return nil, fmt.Errorf("command %s to %s: %w", verb, deviceID, core.ErrTimeout)
	case resp := <-p.ch:
		return resp, nil
	}
}

func (h *HostEngine) dropPending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// Run drives the lifetime sweep until ctx is done. Expiry marks the
// device stale; a second lifetime without contact marks it offline.
func (h *HostEngine) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			h.sweepLifetimes(now)
		}
	}
}

func (h *HostEngine) sweepLifetimes(now time.Time) {
	var stale, expired []string

	h.mu.Lock()
	for id, e := range h.table {
		if e.offline {
			continue
		}
		silent := now.Sub(e.lastSeen)
		if silent >= 2*e.lifetime {
			e.offline = true
			expired = append(expired, id)
		} else if silent >= e.lifetime && !e.stale {
			e.stale = true
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.logger.Warn("registration lifetime expired", map[string]interface{}{"device_id": id})
		h.sink.OnLifetimeStale(id)
	}
	for _, id := range expired {
		h.logger.Warn("device silent past twice its lifetime", map[string]interface{}{"device_id": id})
		h.sink.OnLifetimeExpired(id)
	}
}
