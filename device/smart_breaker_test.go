package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/description"
)

type capturedEvent struct {
	eventType string
	data      map[string]interface{}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (r *eventRecorder) publish(eventType string, data map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, capturedEvent{eventType: eventType, data: data})
	return nil
}

func (r *eventRecorder) all() []capturedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]capturedEvent, len(r.events))
	copy(out, r.events)
	return out
}

func testDescription() *description.DeviceDescription {
	return &description.DeviceDescription{
		Identity: description.Identity{Type: "SmartCircuitBreaker"},
		Parameters: map[string]description.Parameter{
			"trip_current":           {Type: "float", Range: &description.Range{Min: 10, Max: 1000}},
			"trip_delay":             {Type: "float", Range: &description.Range{Min: 0, Max: 5000}},
			"ground_fault_threshold": {Type: "float", Range: &description.Range{Min: 1, Max: 30}},
		},
		Templates: map[string]description.Template{
			"industrial": {Settings: map[string]description.Setting{
				"trip_current": {Value: "600", Units: "A"},
				"trip_delay":   {Value: "200", Units: "ms"},
			}},
		},
	}
}

func TestBreakerSampleChannels(t *testing.T) {
	b := NewSmartBreaker("device-breaker-001", nil, nil)
	names := metricNames(b.Sample(time.Now()))

	for _, want := range []string{
		"Breaker/Position", "Breaker/CurrentPhaseA", "Breaker/VoltagePhaseC",
		"Breaker/PowerFactor", "Breaker/ActivePower", "Breaker/Frequency",
		"Breaker/Temperature", "Breaker/LoadPercentage", "Breaker/TripCount",
	} {
		if _, ok := names[want]; !ok {
			t.Errorf("sample missing %s", want)
		}
	}
	if names["Breaker/Position"].Str != PositionClosed {
		t.Errorf("new breaker should be closed: %+v", names["Breaker/Position"])
	}
}

func TestRemoteTripCloseReset(t *testing.T) {
	rec := &eventRecorder{}
	b := NewSmartBreaker("device-breaker-001", nil, nil)
	b.SetEventPublisher(rec.publish)

	res, err := b.HandleOperation("trip", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res["position"] != PositionTripped || res["trip_count"] != 1 {
		t.Errorf("unexpected trip result: %+v", res)
	}

	events := rec.all()
	if len(events) != 1 || events[0].eventType != "breaker_tripped" {
		t.Fatalf("trip must notify: %+v", events)
	}
	if events[0].data["reason"] != "remote_command" {
		t.Errorf("unexpected trip reason: %+v", events[0].data)
	}

	// tripping a tripped breaker is a no-op
	res, err = b.HandleOperation("trip", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res["position"] != PositionTripped {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(rec.all()) != 1 {
		t.Error("no-op trip must not notify again")
	}

	if res, _ = b.HandleOperation("close", nil); res["position"] != PositionClosed {
		t.Errorf("close failed: %+v", res)
	}
	if res, _ = b.HandleOperation("reset", nil); res["position"] != PositionOpen {
		t.Errorf("reset failed: %+v", res)
	}

	if _, err := b.HandleOperation("explode", nil); err == nil {
		t.Error("unknown operation must error")
	}
}

func TestOvercurrentTrips(t *testing.T) {
	rec := &eventRecorder{}
	b := NewSmartBreaker("device-breaker-001", nil, nil)
	b.SetEventPublisher(rec.publish)

	b.mu.Lock()
	b.currents = [3]float64{500, 490, 495}
	trip := b.checkProtection(time.Now())
	b.mu.Unlock()

	if trip == nil {
		t.Fatal("500A against a 400A setting must trip")
	}
	if trip["reason"] != "overcurrent" {
		t.Errorf("unexpected reason: %+v", trip)
	}
	if b.Configuration()["position"] != PositionTripped {
		t.Error("position must latch tripped")
	}
}

func TestTrippedBreakerCarriesNoCurrent(t *testing.T) {
	b := NewSmartBreaker("device-breaker-001", nil, nil)
	if _, err := b.HandleOperation("trip", nil); err != nil {
		t.Fatal(err)
	}

	names := metricNames(b.Sample(time.Now()))
	if names["Breaker/CurrentPhaseA"].Double != 0 {
		t.Errorf("tripped breaker must read zero current: %+v", names["Breaker/CurrentPhaseA"])
	}
	if names["Breaker/LoadPercentage"].Double != 0 {
		t.Errorf("tripped breaker must carry no load")
	}
}

func TestConfigureAppliesSettings(t *testing.T) {
	b := NewSmartBreaker("device-breaker-001", testDescription(), nil)

	cfg, err := b.Configure(map[string]interface{}{
		"trip_current": 250.0,
		"trip_delay":   50.0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg["trip_current"] != 250.0 || cfg["trip_delay"] != 50.0 {
		t.Errorf("unexpected configuration: %+v", cfg)
	}
}

func TestResolveTemplateFeedsConfigure(t *testing.T) {
	b := NewSmartBreaker("device-breaker-001", testDescription(), nil)

	settings, err := b.ResolveTemplate("industrial")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := b.Configure(settings)
	if err != nil {
		t.Fatal(err)
	}
	if cfg["trip_current"] != 600.0 || cfg["trip_delay"] != 200.0 {
		t.Errorf("template settings not applied: %+v", cfg)
	}

	if _, err := b.ResolveTemplate("nonexistent"); err == nil {
		t.Error("unknown template must error")
	}
	noDesc := NewSmartBreaker("device-breaker-002", nil, nil)
	if _, err := noDesc.ResolveTemplate("industrial"); err == nil {
		t.Error("template without a description must error")
	}
}

func TestConfigureRejectsOutOfRange(t *testing.T) {
	b := NewSmartBreaker("device-breaker-001", testDescription(), nil)

	_, err := b.Configure(map[string]interface{}{
		"trip_current": 250.0,
		"trip_delay":   99999.0,
	})
	var invalid *core.InvalidParamError
	if !errors.As(err, &invalid) || invalid.Name != "trip_delay" {
		t.Fatalf("expected trip_delay rejection, got %v", err)
	}

	// nothing may have applied
	if b.Configuration()["trip_current"] != 400.0 {
		t.Error("rejected configure must not partially apply")
	}
}

func TestConfigureRejectsUnknownSetting(t *testing.T) {
	b := NewSmartBreaker("device-breaker-001", nil, nil)
	_, err := b.Configure(map[string]interface{}{"paint_color": "red"})
	var invalid *core.InvalidParamError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestObjectTreeResources(t *testing.T) {
	b := NewSmartBreaker("device-breaker-001", nil, nil)

	v, err := b.Read("10245", "0", "16")
	if err != nil {
		t.Fatal(err)
	}
	if v != 400.0 {
		t.Errorf("resource 16 should be the trip current, got %v", v)
	}

	if err := b.Write("10245", "0", "16", 300.0); err != nil {
		t.Fatal(err)
	}
	if b.Configuration()["trip_current"] != 300.0 {
		t.Error("write did not apply")
	}

	if err := b.Write("10245", "0", "1", 42.0); err == nil {
		t.Error("measurement resources must be read-only")
	}
	if err := b.Write("3", "0", "0", "x"); err == nil {
		t.Error("identity must be read-only")
	}

	if err := b.Execute("10245", "0", "26", nil); err != nil {
		t.Fatal(err)
	}
	if b.Configuration()["position"] != PositionTripped {
		t.Error("execute on resource 26 must trip")
	}
}
