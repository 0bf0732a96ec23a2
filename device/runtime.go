package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/mgmt"
	"github.com/telefabric/telefabric/mqtt"
	"github.com/telefabric/telefabric/sparkplug"
)

// Runtime supervises one device: a shared broker connection feeding
// the telemetry engine, the management engine, and inbound command
// dispatch for both.
type Runtime struct {
	cfg    core.Config
	logger core.Logger

	client *mqtt.Client
	tele   *sparkplug.DeviceEngine
	mgmt   *mgmt.DeviceEngine
}

// NewRuntime wires a device from its configuration. The source feeds
// the telemetry path; the model answers the management path. When the
// model also publishes events (the smart breaker does), wire it with
// SetEventPublisher against MgmtEngine().PublishEvent.
func NewRuntime(cfg core.Config, source sparkplug.SensorSource, model mgmt.DeviceModel, logger core.Logger) *Runtime {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = cfg.Device.ID
	}
	client := mqtt.NewClient(cfg.Broker, logger)
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		client: client,
		tele:   sparkplug.NewDeviceEngine(cfg.Device, client, source, logger),
		mgmt:   mgmt.NewDeviceEngine(cfg.Device, client, model, logger),
	}
}

// MgmtEngine exposes the management engine, mainly so domain models
// can publish events through it.
func (r *Runtime) MgmtEngine() *mgmt.DeviceEngine { return r.mgmt }

// TelemetryEngine exposes the telemetry engine.
func (r *Runtime) TelemetryEngine() *sparkplug.DeviceEngine { return r.tele }

// Run connects, subscribes command topics, and drives both engines
// until ctx is cancelled. Auth and TLS failures are returned as-is so
// the caller can exit instead of retrying.
func (r *Runtime) Run(ctx context.Context) error {
	// state transitions must reach the telemetry engine from the very
	// first connect
	r.client.OnStateChange(func(sc mqtt.StateChange) {
		r.tele.NotifyBrokerState(sc.State == mqtt.StateConnected)
	})

	for _, t := range r.tele.CommandTopics() {
		if err := r.client.Subscribe(t, 1, r.tele.HandleCommand); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	if err := r.client.Subscribe(r.mgmt.CommandTopic(), 1, r.mgmt.HandleCommand); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.mgmt.CommandTopic(), err)
	}

	if err := r.client.Connect(ctx); err != nil {
		return err
	}
	defer r.client.Disconnect(r.cfg.Host.ShutdownGrace)

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := r.tele.Run(ctx); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("telemetry engine: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := r.mgmt.Run(ctx); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("mgmt engine: %w", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case err := <-errs:
		return err
	case <-done:
		return nil
	}
}
