package sparkplug

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/topic"
)

// Publisher is the outbound half of the broker facade the engines need.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// SensorSource supplies metric values for one device.
// BirthMetrics returns the full metric set the device will ever
// publish, with datatypes and initial values. Sample returns the
// current values for a data message.
type SensorSource interface {
	BirthMetrics(now time.Time) []Metric
	Sample(now time.Time) []Metric
}

// EngineState is the device engine lifecycle state.
type EngineState int32

const (
	StateInit EngineState = iota
	StateAwaitingBroker
	StateRegistered
	StatePublishing
	StateDying
	StateDone
)

func (s EngineState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingBroker:
		return "awaiting_broker"
	case StateRegistered:
		return "registered"
	case StatePublishing:
		return "publishing"
	case StateDying:
		return "dying"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// DeviceEngine drives the telemetry path for one device: birth on
// connect, data at a fixed cadence, death on shutdown, rebirth on
// command. Each device is its own edge node, so the node level of the
// topic carries the device id.
type DeviceEngine struct {
	namespace string
	groupID   string
	deviceID  string
	interval  time.Duration

	pub    Publisher
	source SensorSource
	logger core.Logger

	mu    sync.Mutex
	state EngineState
	seq   uint8

	brokerUp chan bool
	rebirth  chan struct{}
}

// NewDeviceEngine builds an engine in the init state.
func NewDeviceEngine(cfg core.DeviceConfig, pub Publisher, source SensorSource, logger core.Logger) *DeviceEngine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &DeviceEngine{
		namespace: cfg.Namespace,
		groupID:   cfg.GroupID,
		deviceID:  cfg.ID,
		interval:  cfg.TelemetryInterval,
		pub:       pub,
		source:    source,
		logger:    logger,
		state:     StateInit,
		brokerUp:  make(chan bool, 8),
		rebirth:   make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (e *DeviceEngine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *DeviceEngine) setState(s EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// NotifyBrokerState feeds connection transitions from the facade's
// state callback into the engine.
func (e *DeviceEngine) NotifyBrokerState(connected bool) {
	select {
	case e.brokerUp <- connected:
	default:
	}
}

// RequestRebirth schedules a rebirth: the next loop iteration emits a
// fresh birth with seq reset to 0.
func (e *DeviceEngine) RequestRebirth() {
	select {
	case e.rebirth <- struct{}{}:
	default:
	}
}

// HandleCommand is the NCMD/DCMD inbound handler. A rebirth control
// metric set to true triggers a rebirth; everything else is logged and
// ignored.
func (e *DeviceEngine) HandleCommand(t string, payload []byte) {
	p, err := Decode(payload)
	if err != nil {
		e.logger.Warn("undecodable command payload", map[string]interface{}{
			"device_id": e.deviceID,
			"topic":     t,
			"error":     err,
		})
		return
	}
	for _, m := range p.Metrics {
		if (m.Name == "Node Control/Rebirth" || m.Name == "Device Control/Rebirth") && m.Bool {
			e.logger.Info("rebirth requested", map[string]interface{}{"device_id": e.deviceID})
			e.RequestRebirth()
			return
		}
	}
}

// CommandTopics returns the NCMD and DCMD patterns the runtime should
// subscribe on behalf of this engine.
func (e *DeviceEngine) CommandTopics() []string {
	n := topic.Telemetry{Namespace: e.namespace, GroupID: e.groupID, MessageType: topic.NCmd, NodeID: e.deviceID}
	d := topic.Telemetry{Namespace: e.namespace, GroupID: e.groupID, MessageType: topic.DCmd, NodeID: e.deviceID, DeviceID: e.deviceID}
	return []string{n.String(), d.String()}
}

// Run drives the engine until ctx is cancelled. It waits for the
// broker, births, publishes on an absolute-deadline schedule, and
// emits a best-effort death on the way out.
func (e *DeviceEngine) Run(ctx context.Context) error {
	defer e.setState(StateDone)

	for {
		e.setState(StateAwaitingBroker)
		if !e.waitForBroker(ctx) {
			return ctx.Err()
		}

		e.setState(StateRegistered)
		if err := e.publishBirth(); err != nil {
			e.logger.Error("birth publish failed", map[string]interface{}{
				"device_id": e.deviceID,
				"error":     err,
			})
			// broker flapped between up-notification and publish
			continue
		}

		e.setState(StatePublishing)
		again, err := e.publishLoop(ctx)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

func (e *DeviceEngine) waitForBroker(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case up := <-e.brokerUp:
			if up {
				return true
			}
		}
	}
}

// publishLoop returns (true, nil) when the broker dropped and the
// engine should re-await it, (false, nil) on clean shutdown.
func (e *DeviceEngine) publishLoop(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(e.interval)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.die()
			return false, nil

		case up := <-e.brokerUp:
			if !up {
				e.logger.Warn("broker lost, awaiting reconnect", map[string]interface{}{
					"device_id": e.deviceID,
				})
				return true, nil
			}
			// reconnected: schema must be re-announced
			if err := e.publishBirth(); err != nil {
				return true, nil
			}

		case <-e.rebirth:
			if err := e.publishBirth(); err != nil {
				e.logger.Error("rebirth publish failed", map[string]interface{}{
					"device_id": e.deviceID,
					"error":     err,
				})
			}

		case <-timer.C:
			now := time.Now()
			e.publishData(now)

			deadline = deadline.Add(e.interval)
			if behind := now.Sub(deadline); behind > 0 {
				missed := behind/e.interval + 1
				deadline = deadline.Add(time.Duration(missed) * e.interval)
				e.logger.Warn("scheduler fell behind, skipping slots", map[string]interface{}{
					"device_id": e.deviceID,
					"missed":    int64(missed),
				})
			}
			timer.Reset(time.Until(deadline))
		}
	}
}

func (e *DeviceEngine) publishBirth() error {
	now := time.Now()
	p := &Payload{
		Timestamp: now.UnixMilli(),
		Seq:       0,
		UUID:      uuid.NewString(),
		Metrics:   e.source.BirthMetrics(now),
	}
	raw, err := Encode(p)
	if err != nil {
		return err
	}
	t := topic.Telemetry{
		Namespace:   e.namespace,
		GroupID:     e.groupID,
		MessageType: topic.DBirth,
		NodeID:      e.deviceID,
		DeviceID:    e.deviceID,
	}
	if err := e.pub.Publish(t.String(), raw, 1, false); err != nil {
		return err
	}
	e.mu.Lock()
	e.seq = 0
	e.mu.Unlock()
	e.logger.Info("birth published", map[string]interface{}{
		"device_id": e.deviceID,
		"metrics":   len(p.Metrics),
	})
	return nil
}

func (e *DeviceEngine) publishData(now time.Time) {
	e.mu.Lock()
	e.seq = e.seq + 1 // wraps mod 256 by type
	seq := e.seq
	e.mu.Unlock()

	p := &Payload{
		Timestamp: now.UnixMilli(),
		Seq:       seq,
		Metrics:   e.source.Sample(now),
	}
	raw, err := Encode(p)
	if err != nil {
		e.logger.Error("data encode failed", map[string]interface{}{
			"device_id": e.deviceID,
			"error":     err,
		})
		return
	}
	t := topic.Telemetry{
		Namespace:   e.namespace,
		GroupID:     e.groupID,
		MessageType: topic.DData,
		NodeID:      e.deviceID,
		DeviceID:    e.deviceID,
	}
	if err := e.pub.Publish(t.String(), raw, 0, false); err != nil {
		e.logger.Warn("data publish failed", map[string]interface{}{
			"device_id": e.deviceID,
			"seq":       int(seq),
			"error":     err,
		})
	}
}

// die best-effort emits a death certificate with the last data seq.
// Failure here is logged, never fatal.
func (e *DeviceEngine) die() {
	e.setState(StateDying)

	e.mu.Lock()
	seq := e.seq
	e.mu.Unlock()

	p := &Payload{Timestamp: time.Now().UnixMilli(), Seq: seq}
	raw, err := Encode(p)
	if err != nil {
		return
	}
	t := topic.Telemetry{
		Namespace:   e.namespace,
		GroupID:     e.groupID,
		MessageType: topic.DDeath,
		NodeID:      e.deviceID,
		DeviceID:    e.deviceID,
	}
	if err := e.pub.Publish(t.String(), raw, 1, false); err != nil {
		e.logger.Warn("death publish failed", map[string]interface{}{
			"device_id": e.deviceID,
			"error":     err,
		})
		return
	}
	e.logger.Info("death published", map[string]interface{}{"device_id": e.deviceID})
}
