package mgmt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telefabric/telefabric/core"
)

type mgmtEvent struct {
	kind     string
	deviceID string
	reg      *Registration
	objects  ObjectTree
	resp     *Response
	event    *Event
}

type fakeMgmtSink struct {
	mu     sync.Mutex
	events []mgmtEvent
}

func (s *fakeMgmtSink) OnRegistration(id string, reg *Registration) {
	s.add(mgmtEvent{kind: "reg", deviceID: id, reg: reg})
}
func (s *fakeMgmtSink) OnUpdate(id string, objects ObjectTree) {
	s.add(mgmtEvent{kind: "update", deviceID: id, objects: objects})
}
func (s *fakeMgmtSink) OnDeregistration(id string)  { s.add(mgmtEvent{kind: "dereg", deviceID: id}) }
func (s *fakeMgmtSink) OnLifetimeStale(id string)   { s.add(mgmtEvent{kind: "stale", deviceID: id}) }
func (s *fakeMgmtSink) OnLifetimeExpired(id string) { s.add(mgmtEvent{kind: "expired", deviceID: id}) }
func (s *fakeMgmtSink) OnCommandResponse(id string, resp *Response) {
	s.add(mgmtEvent{kind: "response", deviceID: id, resp: resp})
}
func (s *fakeMgmtSink) OnEvent(id string, ev *Event) {
	s.add(mgmtEvent{kind: "event", deviceID: id, event: ev})
}

func (s *fakeMgmtSink) add(e mgmtEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeMgmtSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.kind
	}
	return out
}

func testHostConfig() core.HostConfig {
	return core.HostConfig{
		CommandTimeout: 100 * time.Millisecond,
		SweepInterval:  time.Second,
	}
}

func register(t *testing.T, h *HostEngine, deviceID string, lifetime int) {
	t.Helper()
	raw, _ := json.Marshal(Registration{
		Endpoint:    deviceID,
		Lifetime:    lifetime,
		Version:     ProtocolVersion,
		BindingMode: BindingMode,
		Objects:     ObjectTree{"3": {"0": {"0": "Telefabric"}}},
	})
	h.HandleMessage("lwm2m/"+deviceID+"/reg", raw)
}

func TestRegistrationCreatesEntryAndReplies(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)

	register(t, h, "device-1", 60)

	if kinds := sink.kinds(); len(kinds) != 1 || kinds[0] != "reg" {
		t.Fatalf("expected reg event, got %v", kinds)
	}

	replies := pub.byTopic("lwm2m/device-1/resp/reg")
	if len(replies) != 1 {
		t.Fatalf("expected registration reply, got %d", len(replies))
	}
	var reply RegistrationReply
	if err := json.Unmarshal(replies[0].payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != "registered" || reply.Location != "/rd/device-1" || reply.Lifetime != 60 {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestUpdateMergesAndAcks(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)

	register(t, h, "device-1", 60)
	raw, _ := json.Marshal(Update{
		Objects:   ObjectTree{"4": {"0": {"2": float64(-60)}}},
		Timestamp: time.Now().UnixMilli(),
	})
	h.HandleMessage("lwm2m/device-1/update", raw)

	kinds := sink.kinds()
	if kinds[len(kinds)-1] != "update" {
		t.Fatalf("expected update event, got %v", kinds)
	}

	acks := pub.byTopic("lwm2m/device-1/resp/update")
	if len(acks) != 1 {
		t.Fatalf("expected update ack, got %d", len(acks))
	}
	var ack UpdateReply
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Status != "updated" {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestUpdateFromUnknownDeviceIgnored(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)

	raw, _ := json.Marshal(Update{Objects: ObjectTree{}})
	h.HandleMessage("lwm2m/ghost/update", raw)

	if len(sink.kinds()) != 0 {
		t.Errorf("unregistered device update should be dropped, got %v", sink.kinds())
	}
}

func TestBulkEnvelopeAppliesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)

	register(t, h, "device-1", 60)
	env := BulkEnvelope{
		DeviceID: "device-1",
		Count:    3,
		BulkOperations: []BulkOperation{
			{Operation: "update", Objects: ObjectTree{"4": {"0": {"2": float64(1)}}}, Timestamp: 1},
			{Operation: "update", Objects: ObjectTree{"4": {"0": {"2": float64(2)}}}, Timestamp: 2},
			{Operation: "update", Objects: ObjectTree{"4": {"0": {"2": float64(3)}}}, Timestamp: 3},
		},
	}
	raw, _ := json.Marshal(env)
	h.HandleMessage("lwm2m/device-1/bulk", raw)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var values []float64
	for _, e := range sink.events {
		if e.kind == "update" {
			values = append(values, e.objects["4"]["0"]["2"].(float64))
		}
	}
	if len(values) != 3 || values[0] != 1 || values[1] != 2 || values[2] != 3 {
		t.Errorf("bulk operations applied out of order: %v", values)
	}
}

func TestSendCommandCorrelatesResponse(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)
	register(t, h, "device-1", 60)

	done := make(chan *Response, 1)
	errs := make(chan error, 1)
	go func() {
		resp, err := h.SendCommand(context.Background(), "device-1", "read", map[string]interface{}{
			"object": "3", "instance": "0", "resource": "0",
		})
		errs <- err
		done <- resp
	}()

	// wait for the outbound command, then answer it
	var cmd Command
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msgs := pub.byTopic("lwm2m/device-1/cmd/read"); len(msgs) == 1 {
			if err := json.Unmarshal(msgs[0].payload, &cmd); err != nil {
				t.Fatal(err)
			}
			break
		}
		time.Sleep(time.Millisecond)
	}
	if cmd.CorrelationID == "" {
		t.Fatal("command never published or missing correlation id")
	}

	raw, _ := json.Marshal(Response{
		Status:        "ok",
		Result:        map[string]interface{}{"value": "Telefabric"},
		CorrelationID: cmd.CorrelationID,
	})
	h.HandleMessage("lwm2m/device-1/resp/read", raw)

	if err := <-errs; err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	resp := <-done
	if resp.Status != "ok" || resp.Result["value"] != "Telefabric" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSendCommandTimesOut(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)
	register(t, h, "device-1", 60)

	_, err := h.SendCommand(context.Background(), "device-1", "trip", nil)
	if !errors.Is(err, core.ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}

	h.mu.Lock()
	pendingLeft := len(h.pending)
	h.mu.Unlock()
	if pendingLeft != 0 {
		t.Error("timed-out command left a pending entry behind")
	}
}

func TestSendCommandUnknownDevice(t *testing.T) {
	h := NewHostEngine("lwm2m", testHostConfig(), &fakePublisher{}, &fakeMgmtSink{}, nil)
	_, err := h.SendCommand(context.Background(), "ghost", "read", nil)
	if !errors.Is(err, core.ErrDeviceNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestLifetimeSweepStaleThenOffline(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)
	register(t, h, "device-1", 10)

	// one lifetime of silence: stale
	h.mu.Lock()
	h.table["device-1"].lastSeen = time.Now().Add(-11 * time.Second)
	h.mu.Unlock()
	h.sweepLifetimes(time.Now())

	kinds := sink.kinds()
	if kinds[len(kinds)-1] != "stale" {
		t.Fatalf("expected stale after lifetime, got %v", kinds)
	}

	// a fresh update clears staleness
	raw, _ := json.Marshal(Update{Objects: ObjectTree{}})
	h.HandleMessage("lwm2m/device-1/update", raw)
	h.mu.Lock()
	if h.table["device-1"].stale {
		t.Error("update should clear staleness")
	}
	// two lifetimes of silence: offline
	h.table["device-1"].lastSeen = time.Now().Add(-21 * time.Second)
	h.mu.Unlock()
	h.sweepLifetimes(time.Now())

	kinds = sink.kinds()
	if kinds[len(kinds)-1] != "expired" {
		t.Errorf("expected expiry after two lifetimes, got %v", kinds)
	}
}

func TestLifetimeSweepTransitionsAtExactBoundaries(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)
	register(t, h, "device-1", 10)

	// silence of exactly one lifetime already counts as stale
	now := time.Now()
	h.mu.Lock()
	h.table["device-1"].lastSeen = now.Add(-10 * time.Second)
	h.mu.Unlock()
	h.sweepLifetimes(now)

	kinds := sink.kinds()
	if kinds[len(kinds)-1] != "stale" {
		t.Fatalf("expected stale at one lifetime, got %v", kinds)
	}

	// and exactly two lifetimes as offline
	now = time.Now()
	h.mu.Lock()
	h.table["device-1"].lastSeen = now.Add(-20 * time.Second)
	h.mu.Unlock()
	h.sweepLifetimes(now)

	kinds = sink.kinds()
	if kinds[len(kinds)-1] != "expired" {
		t.Errorf("expected expiry at two lifetimes, got %v", kinds)
	}
}

func TestDeregistrationMarksOffline(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)
	register(t, h, "device-1", 60)

	h.HandleMessage("lwm2m/device-1/dereg", []byte(`{"endpoint":"device-1"}`))
	kinds := sink.kinds()
	if kinds[len(kinds)-1] != "dereg" {
		t.Errorf("expected dereg event, got %v", kinds)
	}

	// no further lifetime transitions for an offline device
	h.mu.Lock()
	h.table["device-1"].lastSeen = time.Now().Add(-time.Hour)
	h.mu.Unlock()
	h.sweepLifetimes(time.Now())
	kinds = sink.kinds()
	if kinds[len(kinds)-1] != "dereg" {
		t.Errorf("offline device should not re-transition: %v", kinds)
	}
}

func TestEventFanIn(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeMgmtSink{}
	h := NewHostEngine("lwm2m", testHostConfig(), pub, sink, nil)
	register(t, h, "device-1", 60)

	raw, _ := json.Marshal(Event{EventType: "breaker_tripped", Data: map[string]interface{}{"reason": "overcurrent"}})
	h.HandleMessage("lwm2m/device-1/event", raw)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	last := sink.events[len(sink.events)-1]
	if last.kind != "event" || last.event.EventType != "breaker_tripped" {
		t.Errorf("unexpected event: %+v", last)
	}
	if last.event.DeviceID != "device-1" {
		t.Error("event should inherit the topic device id")
	}
}
