package device

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/description"
	"github.com/telefabric/telefabric/mgmt"
	"github.com/telefabric/telefabric/sparkplug"
)

// Breaker positions as reported on both paths.
const (
	PositionOpen    = "open"
	PositionClosed  = "closed"
	PositionTripped = "tripped"
)

// EventPublisher delivers device-originated notifications. The runtime
// wires this to the management engine's event verb.
type EventPublisher func(eventType string, data map[string]interface{}) error

// BreakerSettings are the protection settings external tools may write.
type BreakerSettings struct {
	TripCurrent          float64 // A
	TripDelay            float64 // ms
	GroundFaultThreshold float64 // A
}

// SmartBreaker simulates a smart circuit breaker. It feeds the
// telemetry path as a SensorSource and answers the management path as
// a DeviceModel, so both engines observe the same electrical state.
type SmartBreaker struct {
	deviceID string
	desc     *description.DeviceDescription
	logger   core.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	events   EventPublisher
	start    time.Time
	settings BreakerSettings

	position       string
	tripCount      int
	lastTripReason string
	lastTripTime   int64

	currents    [3]float64
	voltages    [3]float64
	powerFactor float64
	frequency   float64
	temperature float64
	load        float64
	groundFault float64
}

// NewSmartBreaker builds a closed breaker with nameplate defaults. The
// description is optional; when present it bounds configure writes.
func NewSmartBreaker(deviceID string, desc *description.DeviceDescription, logger core.Logger) *SmartBreaker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &SmartBreaker{
		deviceID: deviceID,
		desc:     desc,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		start:    time.Now(),
		settings: BreakerSettings{
			TripCurrent:          400,
			TripDelay:            100,
			GroundFaultThreshold: 5,
		},
		position:    PositionClosed,
		powerFactor: 0.92,
		frequency:   60,
	}
}

// SetEventPublisher wires trip notifications to the management engine.
func (b *SmartBreaker) SetEventPublisher(events EventPublisher) {
	b.mu.Lock()
	b.events = events
	b.mu.Unlock()
}

// --- sparkplug.SensorSource ---

// BirthMetrics announces identity plus the full electrical channel set.
func (b *SmartBreaker) BirthMetrics(now time.Time) []sparkplug.Metric {
	ts := now.UnixMilli()
	out := []sparkplug.Metric{
		mustMetric("Device/Type", sparkplug.DataTypeString, ts, "smart_breaker"),
		mustMetric("Device/Model", sparkplug.DataTypeString, ts, "TF-SB400"),
		mustMetric("Device/ID", sparkplug.DataTypeString, ts, b.deviceID),
	}
	return append(out, b.Sample(now)...)
}

// Sample advances the electrical simulation one step, runs the
// protection functions, and reports the measurements.
func (b *SmartBreaker) Sample(now time.Time) []sparkplug.Metric {
	b.mu.Lock()
	b.step(now)
	tripEvent := b.checkProtection(now)

	ts := now.UnixMilli()
	metrics := []sparkplug.Metric{
		mustMetric("Breaker/Position", sparkplug.DataTypeString, ts, b.position),
		mustMetric("Breaker/CurrentPhaseA", sparkplug.DataTypeDouble, ts, b.currents[0]),
		mustMetric("Breaker/CurrentPhaseB", sparkplug.DataTypeDouble, ts, b.currents[1]),
		mustMetric("Breaker/CurrentPhaseC", sparkplug.DataTypeDouble, ts, b.currents[2]),
		mustMetric("Breaker/VoltagePhaseA", sparkplug.DataTypeDouble, ts, b.voltages[0]),
		mustMetric("Breaker/VoltagePhaseB", sparkplug.DataTypeDouble, ts, b.voltages[1]),
		mustMetric("Breaker/VoltagePhaseC", sparkplug.DataTypeDouble, ts, b.voltages[2]),
		mustMetric("Breaker/PowerFactor", sparkplug.DataTypeDouble, ts, b.powerFactor),
		mustMetric("Breaker/ActivePower", sparkplug.DataTypeDouble, ts, b.activePower()),
		mustMetric("Breaker/Frequency", sparkplug.DataTypeDouble, ts, b.frequency),
		mustMetric("Breaker/Temperature", sparkplug.DataTypeDouble, ts, b.temperature),
		mustMetric("Breaker/LoadPercentage", sparkplug.DataTypeDouble, ts, b.load),
		mustMetric("Breaker/GroundFaultCurrent", sparkplug.DataTypeDouble, ts, b.groundFault),
		mustMetric("Breaker/TripCount", sparkplug.DataTypeInt32, ts, int32(b.tripCount)),
	}
	events := b.events
	b.mu.Unlock()

	if tripEvent != nil && events != nil {
		if err := events("breaker_tripped", tripEvent); err != nil {
			b.logger.Warn("trip notification failed", map[string]interface{}{
				"device_id": b.deviceID,
				"error":     err,
			})
		}
	}
	return metrics
}

// step updates the electrical measurements. Caller holds the lock.
func (b *SmartBreaker) step(now time.Time) {
	elapsed := now.Sub(b.start).Seconds()

	if b.position != PositionClosed {
		b.currents = [3]float64{}
		b.load = 0
		b.groundFault = 0
		b.temperature = 25 + b.rng.NormFloat64()
		return
	}

	b.load = clamp(60+25*math.Sin(elapsed/300)+b.rng.NormFloat64()*5, 0, 120)
	base := b.settings.TripCurrent * b.load / 100
	for i := range b.currents {
		imbalance := 1 + b.rng.NormFloat64()*0.02
		b.currents[i] = math.Max(0, base*imbalance)
	}
	for i := range b.voltages {
		b.voltages[i] = 480 * (1 + b.rng.NormFloat64()*0.01)
	}
	b.powerFactor = clamp(0.92+b.rng.NormFloat64()*0.02, 0.7, 1)
	b.frequency = 60 + b.rng.NormFloat64()*0.05
	b.temperature = 25 + b.load*0.3 + b.rng.NormFloat64()

	// rare ground leak
	if b.rng.Float64() < 0.02 {
		b.groundFault = b.rng.Float64() * 2 * b.settings.GroundFaultThreshold
	} else {
		b.groundFault = 0
	}
}

// checkProtection trips the breaker on overcurrent or ground fault.
// Returns the event payload for a fresh trip, nil otherwise. Caller
// holds the lock.
func (b *SmartBreaker) checkProtection(now time.Time) map[string]interface{} {
	if b.position != PositionClosed {
		return nil
	}
	maxCurrent := math.Max(b.currents[0], math.Max(b.currents[1], b.currents[2]))
	switch {
	case maxCurrent > b.settings.TripCurrent:
		return b.tripLocked(now, "overcurrent", maxCurrent)
	case b.groundFault > b.settings.GroundFaultThreshold:
		return b.tripLocked(now, "ground_fault", b.groundFault)
	}
	return nil
}

func (b *SmartBreaker) tripLocked(now time.Time, reason string, current float64) map[string]interface{} {
	b.position = PositionTripped
	b.tripCount++
	b.lastTripReason = reason
	b.lastTripTime = now.UnixMilli()
	b.logger.Warn("breaker tripped", map[string]interface{}{
		"device_id": b.deviceID,
		"reason":    reason,
		"current":   current,
	})
	return map[string]interface{}{
		"reason":       reason,
		"trip_current": current,
		"trip_count":   b.tripCount,
		"position":     b.position,
	}
}

func (b *SmartBreaker) activePower() float64 {
	vAvg := (b.voltages[0] + b.voltages[1] + b.voltages[2]) / 3
	iAvg := (b.currents[0] + b.currents[1] + b.currents[2]) / 3
	return vAvg * iAvg * math.Sqrt(3) / 1000 * b.powerFactor // kW
}

// --- mgmt.DeviceModel ---

// ObjectTree returns identity (object 3) and the electrical object.
func (b *SmartBreaker) ObjectTree() mgmt.ObjectTree {
	b.mu.Lock()
	defer b.mu.Unlock()
	return mgmt.ObjectTree{
		"3": {
			"0": {
				"0": "Telefabric Power Systems",
				"1": "TF-SB400",
				"2": b.deviceID,
				"3": "2.1.0",
			},
		},
		"10245": {
			"0": b.electricalLocked(),
		},
	}
}

// UpdateTree reports the live electrical resources.
func (b *SmartBreaker) UpdateTree() mgmt.ObjectTree {
	b.mu.Lock()
	defer b.mu.Unlock()
	return mgmt.ObjectTree{"10245": {"0": b.electricalLocked()}}
}

func (b *SmartBreaker) electricalLocked() map[string]interface{} {
	return map[string]interface{}{
		"0":  b.position,
		"1":  b.currents[0],
		"2":  b.currents[1],
		"3":  b.currents[2],
		"4":  b.voltages[0],
		"5":  b.voltages[1],
		"6":  b.voltages[2],
		"7":  b.powerFactor,
		"8":  b.activePower(),
		"11": b.frequency,
		"12": b.temperature,
		"13": b.tripCount,
		"14": b.lastTripTime,
		"15": b.lastTripReason,
		"16": b.settings.TripCurrent,
		"17": b.settings.TripDelay,
		"18": b.settings.GroundFaultThreshold,
		"22": b.load,
	}
}

// Read looks a resource up in the current tree.
func (b *SmartBreaker) Read(object, instance, resource string) (interface{}, error) {
	tree := b.ObjectTree()
	if inst, ok := tree[object]; ok {
		if res, ok := inst[instance]; ok {
			if v, ok := res[resource]; ok {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("resource /%s/%s/%s not found", object, instance, resource)
}

// Write sets one protection setting resource.
func (b *SmartBreaker) Write(object, instance, resource string, value interface{}) error {
	if object != "10245" || instance != "0" {
		return fmt.Errorf("resource /%s/%s/%s is read-only", object, instance, resource)
	}
	f, ok := toFloat(value)
	if !ok {
		return fmt.Errorf("resource /%s/%s/%s needs a numeric value", object, instance, resource)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch resource {
	case "16":
		b.settings.TripCurrent = f
	case "17":
		b.settings.TripDelay = f
	case "18":
		b.settings.GroundFaultThreshold = f
	default:
		return fmt.Errorf("resource /%s/%s/%s is read-only", object, instance, resource)
	}
	return nil
}

// Execute maps executable resources to breaker operations.
func (b *SmartBreaker) Execute(object, instance, resource string, params map[string]interface{}) error {
	if object != "10245" || instance != "0" {
		return fmt.Errorf("resource /%s/%s/%s is not executable", object, instance, resource)
	}
	var op string
	switch resource {
	case "26":
		op = "trip"
	case "27":
		op = "close"
	case "28":
		op = "reset"
	default:
		return fmt.Errorf("resource /%s/%s/%s is not executable", object, instance, resource)
	}
	_, err := b.HandleOperation(op, params)
	return err
}

// HandleOperation runs the semantic breaker commands.
func (b *SmartBreaker) HandleOperation(name string, params map[string]interface{}) (map[string]interface{}, error) {
	b.mu.Lock()
	var events EventPublisher
	var eventType string
	var result map[string]interface{}

	switch name {
	case "trip":
		if b.position == PositionClosed {
			result = b.tripLocked(time.Now(), "remote_command", 0)
			events, eventType = b.events, "breaker_tripped"
		} else {
			result = map[string]interface{}{"position": b.position}
		}

	case "close":
		b.position = PositionClosed
		result = map[string]interface{}{"position": b.position}
		events, eventType = b.events, "breaker_closed"

	case "reset":
		b.position = PositionOpen
		b.lastTripReason = ""
		result = map[string]interface{}{"position": b.position, "trip_count": b.tripCount}
		events, eventType = b.events, "breaker_reset"

	default:
		b.mu.Unlock()
		return nil, fmt.Errorf("unsupported operation %q", name)
	}
	b.mu.Unlock()

	if events != nil {
		if err := events(eventType, result); err != nil {
			b.logger.Warn("event publish failed", map[string]interface{}{
				"device_id":  b.deviceID,
				"event_type": eventType,
				"error":      err,
			})
		}
	}
	return result, nil
}

// Configure applies protection settings, bounded by the description
// when one is loaded.
func (b *SmartBreaker) Configure(settings map[string]interface{}) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// validate everything before touching a single setting
	validated := make(map[string]float64, len(settings))
	for name, raw := range settings {
		f, ok := toFloat(raw)
		if !ok {
			return nil, &core.InvalidParamError{Name: name, Reason: "not numeric"}
		}
		switch name {
		case "trip_current", "trip_delay", "ground_fault_threshold":
		default:
			return nil, &core.InvalidParamError{Name: name, Reason: "not a protection setting"}
		}
		if err := b.checkRangeLocked(name, f); err != nil {
			return nil, err
		}
		validated[name] = f
	}

	for name, f := range validated {
		switch name {
		case "trip_current":
			b.settings.TripCurrent = f
		case "trip_delay":
			b.settings.TripDelay = f
		case "ground_fault_threshold":
			b.settings.GroundFaultThreshold = f
		}
	}
	b.logger.Info("protection settings applied", map[string]interface{}{
		"device_id":    b.deviceID,
		"trip_current": b.settings.TripCurrent,
	})
	return b.configurationLocked(), nil
}

// ResolveTemplate expands a configuration template from the loaded
// description into protection settings. Values stay strings; Configure
// parses them.
func (b *SmartBreaker) ResolveTemplate(name string) (map[string]interface{}, error) {
	if b.desc == nil {
		return nil, fmt.Errorf("template %q: no device description loaded", name)
	}
	tpl, ok := b.desc.Templates[name]
	if !ok {
		return nil, fmt.Errorf("template %q not found in description", name)
	}
	out := make(map[string]interface{}, len(tpl.Settings))
	for k, s := range tpl.Settings {
		out[k] = s.Value
	}
	return out, nil
}

func (b *SmartBreaker) checkRangeLocked(name string, f float64) error {
	if b.desc == nil {
		return nil
	}
	p, ok := b.desc.Parameters[name]
	if !ok || p.Range == nil {
		return nil
	}
	if f < p.Range.Min || f > p.Range.Max {
		return &core.InvalidParamError{
			Name:   name,
			Reason: fmt.Sprintf("%g outside range %g-%g", f, p.Range.Min, p.Range.Max),
		}
	}
	return nil
}

// Configuration returns the effective protection settings and state.
func (b *SmartBreaker) Configuration() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configurationLocked()
}

func (b *SmartBreaker) configurationLocked() map[string]interface{} {
	return map[string]interface{}{
		"trip_current":           b.settings.TripCurrent,
		"trip_delay":             b.settings.TripDelay,
		"ground_fault_threshold": b.settings.GroundFaultThreshold,
		"position":               b.position,
		"trip_count":             b.tripCount,
	}
}

func toFloat(v interface{}) (float64, bool) {
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
