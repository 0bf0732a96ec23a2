package mgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/topic"
)

// Publisher is the outbound half of the broker facade.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// DeviceModel is the device's management-facing object model. The
// engine stays protocol-shaped; everything domain-specific lives
// behind this interface.
type DeviceModel interface {
	// ObjectTree returns the full tree for registrations.
	ObjectTree() ObjectTree
	// UpdateTree returns the current values for one periodic update.
	UpdateTree() ObjectTree

	Read(object, instance, resource string) (interface{}, error)
	Write(object, instance, resource string, value interface{}) error
	Execute(object, instance, resource string, params map[string]interface{}) error

	// HandleOperation dispatches semantic commands (trip, close,
	// reset, ...). Unknown operations return an error.
	HandleOperation(name string, params map[string]interface{}) (map[string]interface{}, error)

	// Configure applies validated settings and returns the effective
	// configuration. Configuration returns it without changes.
	// ResolveTemplate expands a named configuration template into the
	// settings Configure accepts.
	Configure(settings map[string]interface{}) (map[string]interface{}, error)
	Configuration() map[string]interface{}
	ResolveTemplate(name string) (map[string]interface{}, error)
}

// DeviceEngine drives the management path for one device.
type DeviceEngine struct {
	prefix   string
	deviceID string
	lifetime int
	interval time.Duration

	bulkMode     bool
	bulkSize     int
	bulkInterval time.Duration

	pub    Publisher
	model  DeviceModel
	logger core.Logger

	mu         sync.Mutex
	registered bool
	batch      []BulkOperation
}

// NewDeviceEngine builds an engine for one device.
func NewDeviceEngine(cfg core.DeviceConfig, pub Publisher, model DeviceModel, logger core.Logger) *DeviceEngine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &DeviceEngine{
		prefix:       cfg.MgmtPrefix,
		deviceID:     cfg.ID,
		lifetime:     cfg.LifetimeSeconds,
		interval:     cfg.MgmtInterval,
		bulkMode:     cfg.BulkMode,
		bulkSize:     cfg.BulkSize,
		bulkInterval: cfg.BulkInterval,
		pub:          pub,
		model:        model,
		logger:       logger,
	}
}

func (e *DeviceEngine) mgmtTopic(verb topic.Verb, sub string) string {
	return topic.Mgmt{Prefix: e.prefix, DeviceID: e.deviceID, Verb: verb, Sub: sub}.String()
}

// CommandTopic returns the pattern the runtime subscribes for inbound
// commands.
func (e *DeviceEngine) CommandTopic() string {
	return e.prefix + "/" + e.deviceID + "/cmd/+"
}

// Register publishes the registration document. Liveness afterwards is
// carried by the lifetime; no reply is required.
func (e *DeviceEngine) Register() error {
	reg := Registration{
		Endpoint:    e.deviceID,
		Lifetime:    e.lifetime,
		Version:     ProtocolVersion,
		BindingMode: BindingMode,
		Objects:     e.model.ObjectTree(),
		Timestamp:   time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := e.pub.Publish(e.mgmtTopic(topic.VerbReg, ""), raw, 1, false); err != nil {
		return core.NewFabricError("mgmt.Register", "transport", err)
	}
	e.mu.Lock()
	e.registered = true
	e.mu.Unlock()
	e.logger.Info("registered", map[string]interface{}{
		"device_id": e.deviceID,
		"lifetime":  e.lifetime,
	})
	return nil
}

// Deregister publishes an explicit goodbye.
func (e *DeviceEngine) Deregister() error {
	raw, err := json.Marshal(Deregistration{Endpoint: e.deviceID, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return e.pub.Publish(e.mgmtTopic(topic.VerbDereg, ""), raw, 1, false)
}

// Run registers, then drives the periodic update loop on an
// absolute-deadline schedule until ctx is cancelled. On the way out it
// flushes any pending batch and deregisters.
func (e *DeviceEngine) Run(ctx context.Context) error {
	if err := e.Register(); err != nil {
		return err
	}

	deadline := time.Now().Add(e.interval)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var flushTimer *time.Timer
	var flushC <-chan time.Time
	if e.bulkMode {
		flushTimer = time.NewTimer(e.bulkInterval)
		flushC = flushTimer.C
		defer flushTimer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			if e.bulkMode {
				e.flushBatch()
			}
			if err := e.Deregister(); err != nil {
				e.logger.Warn("deregister failed", map[string]interface{}{
					"device_id": e.deviceID,
					"error":     err,
				})
			}
			return nil

		case <-flushC:
			e.flushBatch()
			flushTimer.Reset(e.bulkInterval)

		case <-timer.C:
			now := time.Now()
			e.emitUpdate(now)

			deadline = deadline.Add(e.interval)
			if behind := now.Sub(deadline); behind > 0 {
				missed := behind/e.interval + 1
				deadline = deadline.Add(time.Duration(missed) * e.interval)
				e.logger.Warn("update scheduler fell behind, skipping slots", map[string]interface{}{
					"device_id": e.deviceID,
					"missed":    int64(missed),
				})
			}
			timer.Reset(time.Until(deadline))
		}
	}
}

func (e *DeviceEngine) emitUpdate(now time.Time) {
	op := BulkOperation{
		Operation: "update",
		Objects:   e.model.UpdateTree(),
		Timestamp: now.UnixMilli(),
	}

	if !e.bulkMode {
		raw, err := json.Marshal(Update{Objects: op.Objects, Timestamp: op.Timestamp})
		if err != nil {
			return
		}
		if err := e.pub.Publish(e.mgmtTopic(topic.VerbUpdate, ""), raw, 0, false); err != nil {
			e.logger.Warn("update publish failed", map[string]interface{}{
				"device_id": e.deviceID,
				"error":     err,
			})
		}
		return
	}

	e.mu.Lock()
	e.batch = append(e.batch, op)
	full := len(e.batch) >= e.bulkSize
	e.mu.Unlock()
	if full {
		e.flushBatch()
	}
}

// flushBatch emits the accumulated operations as one envelope,
// preserving production order.
func (e *DeviceEngine) flushBatch() {
	e.mu.Lock()
	if len(e.batch) == 0 {
		e.mu.Unlock()
		return
	}
	ops := e.batch
	e.batch = nil
	e.mu.Unlock()

	env := BulkEnvelope{
		BulkOperations: ops,
		DeviceID:       e.deviceID,
		Count:          len(ops),
		Timestamp:      time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := e.pub.Publish(e.mgmtTopic(topic.VerbBulk, ""), raw, 0, false); err != nil {
		e.logger.Warn("bulk publish failed", map[string]interface{}{
			"device_id": e.deviceID,
			"count":     len(ops),
			"error":     err,
		})
	}
}

// PublishEvent emits a device-originated notification, such as a
// breaker trip, on the event verb.
func (e *DeviceEngine) PublishEvent(eventType string, data map[string]interface{}) error {
	raw, err := json.Marshal(Event{
		EventType: eventType,
		DeviceID:  e.deviceID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return e.pub.Publish(e.mgmtTopic(topic.VerbEvent, ""), raw, 1, false)
}

// HandleCommand is the inbound handler for cmd/<verb> messages.
func (e *DeviceEngine) HandleCommand(t string, payload []byte) {
	parsed, err := topic.ParseMgmt(t)
	if err != nil || parsed.Verb != topic.VerbCmd {
		e.logger.Warn("unexpected command topic", map[string]interface{}{
			"device_id": e.deviceID,
			"topic":     t,
		})
		return
	}

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		e.logger.Warn("undecodable command", map[string]interface{}{
			"device_id": e.deviceID,
			"topic":     t,
			"error":     err,
		})
		return
	}

	resp := e.dispatch(parsed.Sub, &cmd)
	resp.CorrelationID = cmd.CorrelationID
	resp.Timestamp = time.Now().UnixMilli()

	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := e.pub.Publish(e.mgmtTopic(topic.VerbResp, parsed.Sub), raw, 1, false); err != nil {
		e.logger.Warn("response publish failed", map[string]interface{}{
			"device_id": e.deviceID,
			"verb":      parsed.Sub,
			"error":     err,
		})
	}
}

func (e *DeviceEngine) dispatch(verb string, cmd *Command) Response {
	switch verb {
	case "read":
		obj, inst, res := pathParams(cmd.Parameters)
		v, err := e.model.Read(obj, inst, res)
		if err != nil {
			return Response{Status: "error", Error: err.Error()}
		}
		return Response{Status: "ok", Result: map[string]interface{}{"value": v}}

	case "write":
		obj, inst, res := pathParams(cmd.Parameters)
		if err := e.model.Write(obj, inst, res, cmd.Parameters["value"]); err != nil {
			return Response{Status: "error", Error: err.Error()}
		}
		return Response{Status: "ok"}

	case "execute":
		obj, inst, res := pathParams(cmd.Parameters)
		if err := e.model.Execute(obj, inst, res, cmd.Parameters); err != nil {
			return Response{Status: "error", Error: err.Error()}
		}
		return Response{Status: "ok"}

	case "configure":
		settings, _ := cmd.Parameters["settings"].(map[string]interface{})
		if settings == nil {
			// templates name a preset from the device description
			name, _ := cmd.Parameters["template"].(string)
			if name != "" {
				resolved, err := e.model.ResolveTemplate(name)
				if err != nil {
					return Response{Status: "error", Error: err.Error()}
				}
				settings = resolved
			}
		}
		effective, err := e.model.Configure(settings)
		if err != nil {
			return Response{Status: "error", Error: err.Error()}
		}
		e.publishConfig(effective)
		return Response{Status: "ok", Result: effective}

	case "get_configuration":
		return Response{Status: "ok", Result: e.model.Configuration()}

	default:
		// semantic operation, domain handler decides
		result, err := e.model.HandleOperation(verb, cmd.Parameters)
		if err != nil {
			return Response{Status: "error", Error: fmt.Sprintf("operation %s: %v", verb, err)}
		}
		return Response{Status: "ok", Result: result}
	}
}

// publishConfig announces the effective configuration on the config
// verb after a successful configure.
func (e *DeviceEngine) publishConfig(effective map[string]interface{}) {
	raw, err := json.Marshal(map[string]interface{}{
		"device_id":     e.deviceID,
		"configuration": effective,
		"timestamp":     time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := e.pub.Publish(e.mgmtTopic(topic.VerbConfig, ""), raw, 1, false); err != nil {
		e.logger.Warn("config publish failed", map[string]interface{}{
			"device_id": e.deviceID,
			"error":     err,
		})
	}
}

func pathParams(params map[string]interface{}) (obj, inst, res string) {
	obj = asString(params["object"])
	inst = asString(params["instance"])
	res = asString(params["resource"])
	return
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
