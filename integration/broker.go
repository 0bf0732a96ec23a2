package integration

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/description"
	"github.com/telefabric/telefabric/registry"
)

// DeviceSummary is one row of discovery output.
type DeviceSummary struct {
	DeviceID   string          `json:"device_id"`
	DeviceType string          `json:"device_type"`
	Status     registry.Status `json:"status"`
	Adapter    string          `json:"adapter"`
	LastSeen   int64           `json:"last_seen,omitempty"`
}

// ParamRejection explains why one parameter was refused.
type ParamRejection struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// SetResult reports the outcome of a parameter write.
type SetResult struct {
	Status        string                 `json:"status"`
	AppliedParams map[string]interface{} `json:"applied_params,omitempty"`
	Rejected      []ParamRejection       `json:"rejected,omitempty"`
}

// CommandResult reports the outcome of a forwarded command.
type CommandResult struct {
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// WritableParams is the description digest for one device type.
type WritableParams struct {
	DeviceType string                          `json:"device_type"`
	Writable   []string                        `json:"writable_parameters"`
	Commands   map[string]description.Command  `json:"commands"`
	Functions  map[string]description.Function `json:"functions"`
	Templates  map[string]description.Template `json:"templates"`
}

// Broker fronts the adapter plane. Command operations on the same
// device are serialized; distinct devices proceed in parallel.
type Broker struct {
	cfg    core.IntegrationConfig
	logger core.Logger

	mu           sync.Mutex
	adapters     []Adapter
	descriptions map[string]*description.DeviceDescription // keyed by device type
	deviceLocks  map[string]*sync.Mutex
	started      bool
}

// NewBroker builds an empty broker. Adapters and descriptions are
// registered before Start.
func NewBroker(cfg core.IntegrationConfig, logger core.Logger) *Broker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Broker{
		cfg:          cfg,
		logger:       logger,
		descriptions: make(map[string]*description.DeviceDescription),
		deviceLocks:  make(map[string]*sync.Mutex),
	}
}

// RegisterAdapter adds a protocol adapter. Routing order is
// registration order.
func (b *Broker) RegisterAdapter(a Adapter) {
	b.mu.Lock()
	b.adapters = append(b.adapters, a)
	b.mu.Unlock()
}

// RegisterDescription binds a description document to a device type.
func (b *Broker) RegisterDescription(deviceType string, d *description.DeviceDescription) {
	b.mu.Lock()
	b.descriptions[deviceType] = d
	b.mu.Unlock()
}

// Start starts every registered adapter. A failed adapter stops the
// ones already started.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	adapters := make([]Adapter, len(b.adapters))
	copy(adapters, b.adapters)
	b.mu.Unlock()

	for i, a := range adapters {
		if err := a.Start(ctx); err != nil {
			for j := 0; j < i; j++ {
				_ = adapters[j].Stop()
			}
			return fmt.Errorf("start adapter %s: %w", a.Name(), err)
		}
	}

	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	b.logger.Info("integration broker started", map[string]interface{}{
		"adapters": len(adapters),
		"strict":   b.cfg.StrictParams,
	})
	return nil
}

// Stop stops every adapter.
func (b *Broker) Stop() error {
	b.mu.Lock()
	adapters := make([]Adapter, len(b.adapters))
	copy(adapters, b.adapters)
	b.started = false
	b.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Broker) snapshotAdapters() []Adapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Adapter, len(b.adapters))
	copy(out, b.adapters)
	return out
}

// lockDevice serializes command operations per device.
func (b *Broker) lockDevice(deviceID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		b.deviceLocks[deviceID] = l
	}
	return l
}

// owner finds the adapter that knows the device, along with its
// current snapshot.
func (b *Broker) owner(deviceID string) (Adapter, registry.Device, error) {
	var lastErr error
	for _, a := range b.snapshotAdapters() {
		d, err := a.GetDeviceData(deviceID)
		if err == nil {
			return a, d, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = core.ErrDeviceNotFound
	}
	if core.IsNotFound(lastErr) {
		return nil, registry.Device{}, &core.FabricError{
			Op: "integration.owner", Kind: "registry", DeviceID: deviceID, Err: core.ErrDeviceNotFound,
		}
	}
	return nil, registry.Device{}, lastErr
}

// DiscoverDevices unions discovery across every adapter.
func (b *Broker) DiscoverDevices() []DeviceSummary {
	seen := make(map[string]bool)
	var out []DeviceSummary
	for _, a := range b.snapshotAdapters() {
		for _, d := range a.DiscoverDevices() {
			if seen[d.DeviceID] {
				continue
			}
			seen[d.DeviceID] = true
			out = append(out, DeviceSummary{
				DeviceID:   d.DeviceID,
				DeviceType: d.DeviceType,
				Status:     d.Status,
				Adapter:    a.Name(),
				LastSeen:   d.LastSeen,
			})
		}
	}
	return out
}

// GetDeviceParameters returns the unified snapshot for one device.
func (b *Broker) GetDeviceParameters(deviceID string) (registry.Device, error) {
	_, d, err := b.owner(deviceID)
	return d, err
}

// SetDeviceParameters validates each parameter against the device
// type's description and forwards the accepted set as a configure
// command. In strict mode any rejection aborts the whole write; in
// permissive mode the writable subset still applies.
func (b *Broker) SetDeviceParameters(ctx context.Context, deviceID string, params map[string]interface{}) (*SetResult, error) {
	adapter, dev, err := b.owner(deviceID)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return &SetResult{Status: "noop"}, nil
	}

	accepted, rejected := b.validateParams(dev.DeviceType, params)
	if len(rejected) > 0 && (b.cfg.StrictParams || len(accepted) == 0) {
		first := rejected[0]
		return &SetResult{Status: "rejected", Rejected: rejected},
			&core.InvalidParamError{Name: first.Name, Reason: first.Reason}
	}

	l := b.lockDevice(deviceID)
	l.Lock()
	defer l.Unlock()

	// the device-side configure verb expects its settings nested
	resp, err := adapter.SendDeviceCommand(ctx, deviceID, "configure",
		map[string]interface{}{"settings": accepted})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return &SetResult{Status: "error", Rejected: rejected}, &core.FabricError{
			Op: "integration.SetDeviceParameters", Kind: "device",
			DeviceID: deviceID, Message: resp.Error,
		}
	}

	b.logger.Info("parameters applied", map[string]interface{}{
		"device_id": deviceID,
		"applied":   len(accepted),
		"rejected":  len(rejected),
	})
	status := "applied"
	if len(rejected) > 0 {
		status = "partial"
	}
	return &SetResult{Status: status, AppliedParams: accepted, Rejected: rejected}, nil
}

// validateParams splits a parameter set into accepted and rejected
// against the description for the device type.
func (b *Broker) validateParams(deviceType string, params map[string]interface{}) (map[string]interface{}, []ParamRejection) {
	b.mu.Lock()
	desc := b.descriptions[deviceType]
	b.mu.Unlock()

	accepted := make(map[string]interface{})
	var rejected []ParamRejection
	for name, value := range params {
		if desc == nil {
			rejected = append(rejected, ParamRejection{Name: name,
				Reason: "no device description for type " + deviceType})
			continue
		}
		if !desc.IsWritable(name) {
			rejected = append(rejected, ParamRejection{Name: name, Reason: "not writable"})
			continue
		}
		if reason := checkConstraints(desc, name, value); reason != "" {
			rejected = append(rejected, ParamRejection{Name: name, Reason: reason})
			continue
		}
		accepted[name] = value
	}
	return accepted, rejected
}

// checkConstraints validates one value against the parameter's range
// or value map. Empty return means acceptable.
func checkConstraints(desc *description.DeviceDescription, name string, value interface{}) string {
	p, ok := desc.Parameters[name]
	if !ok {
		// writable through a command but not declared as a device
		// parameter, nothing to check
		return ""
	}
	if p.Range != nil {
		f, ok := asFloat(value)
		if !ok {
			return "not numeric"
		}
		if f < p.Range.Min || f > p.Range.Max {
			return fmt.Sprintf("%v outside range %g-%g: %s",
				value, p.Range.Min, p.Range.Max, core.ErrParamOutOfRange)
		}
	}
	if len(p.ValueMap) > 0 {
		s, ok := value.(string)
		if !ok {
			return "not a string"
		}
		for _, allowed := range p.ValueMap {
			if s == allowed {
				return ""
			}
		}
		return fmt.Sprintf("%q not in value map", s)
	}
	return ""
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// SendDeviceCommand routes a raw command to the owning adapter.
func (b *Broker) SendDeviceCommand(ctx context.Context, deviceID, verb string, params map[string]interface{}) (*CommandResult, error) {
	adapter, _, err := b.owner(deviceID)
	if err != nil {
		return nil, err
	}

	l := b.lockDevice(deviceID)
	l.Lock()
	defer l.Unlock()

	start := time.Now()
	resp, err := adapter.SendDeviceCommand(ctx, deviceID, verb, params)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("command completed", map[string]interface{}{
		"device_id":  deviceID,
		"verb":       verb,
		"status":     resp.Status,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return &CommandResult{Status: resp.Status, Result: resp.Result, Error: resp.Error}, nil
}

// GetDeviceConfiguration reads the effective configuration through the
// device itself.
func (b *Broker) GetDeviceConfiguration(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	res, err := b.SendDeviceCommand(ctx, deviceID, "get_configuration", nil)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, &core.FabricError{
			Op: "integration.GetDeviceConfiguration", Kind: "device",
			DeviceID: deviceID, Message: res.Error,
		}
	}
	return res.Result, nil
}

// ParseDescriptionWritableParameters digests the description for one
// device type.
func (b *Broker) ParseDescriptionWritableParameters(deviceType string) (*WritableParams, error) {
	b.mu.Lock()
	desc := b.descriptions[deviceType]
	b.mu.Unlock()
	if desc == nil {
		return nil, &core.FabricError{
			Op: "integration.ParseDescriptionWritableParameters", Kind: "registry",
			Message: "no description for device type " + deviceType,
			Err:     core.ErrDeviceNotFound,
		}
	}
	return &WritableParams{
		DeviceType: deviceType,
		Writable:   desc.WritableParameters(),
		Commands:   desc.Commands,
		Functions:  desc.Functions,
		Templates:  desc.Templates,
	}, nil
}
