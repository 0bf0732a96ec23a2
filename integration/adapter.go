// Package integration exposes the device population to engineering
// tools through a protocol-agnostic broker. Each operation is routed to
// the protocol adapter that owns the target device and validated
// against the device's description document.
package integration

import (
	"context"
	"sync"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/mgmt"
	"github.com/telefabric/telefabric/registry"
)

// Adapter is one protocol backend. All adapters expose the same
// capability set; the broker unions discovery across them and routes
// per-device calls to the first adapter that knows the device.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	DiscoverDevices() []registry.Device
	GetDeviceData(deviceID string) (registry.Device, error)
	SendDeviceCommand(ctx context.Context, deviceID, verb string, params map[string]interface{}) (*mgmt.Response, error)
}

// CommandSender is the slice of the management host engine the MQTT
// adapter needs.
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID, verb string, params map[string]interface{}) (*mgmt.Response, error)
}

// MQTTAdapter backs the adapter contract with the registry and the
// management host engine, both of which ride the shared broker
// connection.
type MQTTAdapter struct {
	reg    *registry.Registry
	sender CommandSender
	logger core.Logger

	mu      sync.Mutex
	started bool
}

// NewMQTTAdapter builds the broker-facing adapter.
func NewMQTTAdapter(reg *registry.Registry, sender CommandSender, logger core.Logger) *MQTTAdapter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MQTTAdapter{reg: reg, sender: sender, logger: logger}
}

// Name identifies the adapter in discovery output and logs.
func (a *MQTTAdapter) Name() string { return "mqtt" }

// Start marks the adapter available. The underlying broker connection
// is owned by the process, not the adapter.
func (a *MQTTAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return core.ErrAlreadyStarted
	}
	a.started = true
	a.logger.Info("mqtt adapter started", map[string]interface{}{})
	return nil
}

// Stop marks the adapter unavailable.
func (a *MQTTAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return core.ErrNotStarted
	}
	a.started = false
	return nil
}

func (a *MQTTAdapter) available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// DiscoverDevices lists every device the registry knows.
func (a *MQTTAdapter) DiscoverDevices() []registry.Device {
	if !a.available() {
		return nil
	}
	return a.reg.List(nil)
}

// GetDeviceData returns the registry snapshot for one device.
func (a *MQTTAdapter) GetDeviceData(deviceID string) (registry.Device, error) {
	if !a.available() {
		return registry.Device{}, core.NewFabricError("integration.GetDeviceData", "adapter", core.ErrAdapterUnavailable)
	}
	return a.reg.Get(deviceID)
}

// SendDeviceCommand forwards a command over the management path and
// waits for the correlated response.
func (a *MQTTAdapter) SendDeviceCommand(ctx context.Context, deviceID, verb string, params map[string]interface{}) (*mgmt.Response, error) {
	if !a.available() {
		return nil, core.NewFabricError("integration.SendDeviceCommand", "adapter", core.ErrAdapterUnavailable)
	}
	return a.sender.SendCommand(ctx, deviceID, verb, params)
}
