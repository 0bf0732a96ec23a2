package sparkplug

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/topic"
)

type sinkEvent struct {
	kind     string
	nodeID   string
	deviceID string
	payload  *Payload
	reason   string
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *fakeSink) OnBirth(n, d string, p *Payload) { s.add(sinkEvent{kind: "birth", nodeID: n, deviceID: d, payload: p}) }
func (s *fakeSink) OnData(n, d string, p *Payload)  { s.add(sinkEvent{kind: "data", nodeID: n, deviceID: d, payload: p}) }
func (s *fakeSink) OnDeath(n, d string, p *Payload) { s.add(sinkEvent{kind: "death", nodeID: n, deviceID: d, payload: p}) }
func (s *fakeSink) OnStale(n, d, reason string) {
	s.add(sinkEvent{kind: "stale", nodeID: n, deviceID: d, reason: reason})
}

func (s *fakeSink) add(e sinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.kind
	}
	return out
}

func testHostEngine(pub Publisher, sink TelemetrySink) *HostEngine {
	return NewHostEngine("spBv1.0", "IIoT", core.HostConfig{
		StaleAfter:      30 * time.Second,
		StaleMultiplier: 3,
		SweepInterval:   time.Second,
	}, pub, sink, nil)
}

func encodeSeq(t *testing.T, seq uint8, metrics ...Metric) []byte {
	t.Helper()
	raw, err := Encode(&Payload{Timestamp: time.Now().UnixMilli(), Seq: seq, Metrics: metrics})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

const (
	birthTopic = "spBv1.0/IIoT/DBIRTH/node-1/dev-1"
	dataTopic  = "spBv1.0/IIoT/DDATA/node-1/dev-1"
	deathTopic = "spBv1.0/IIoT/DDEATH/node-1/dev-1"
)

func TestHostAcceptsInOrderSequence(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	h := testHostEngine(pub, sink)

	m, _ := NewMetric("temperature", DataTypeDouble, 1, 20.0)
	h.HandleMessage(birthTopic, encodeSeq(t, 0, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 1, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 2, m))

	kinds := sink.kinds()
	want := []string{"birth", "data", "data"}
	if len(kinds) != 3 {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: got %s want %s", i, kinds[i], want[i])
		}
	}
	if len(pub.snapshot()) != 0 {
		t.Error("no rebirth should be requested for a clean sequence")
	}
}

func TestHostSequenceGapRequestsRebirth(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	h := testHostEngine(pub, sink)

	m, _ := NewMetric("temperature", DataTypeDouble, 1, 20.0)
	h.HandleMessage(birthTopic, encodeSeq(t, 0, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 1, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 5, m)) // gap

	kinds := sink.kinds()
	if kinds[len(kinds)-1] != "stale" {
		t.Fatalf("gap should mark stale, got %v", kinds)
	}

	msgs := pub.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected one rebirth request, got %d", len(msgs))
	}
	parsed, err := topic.ParseTelemetry(msgs[0].topic)
	if err != nil || parsed.MessageType != topic.NCmd || parsed.NodeID != "node-1" {
		t.Fatalf("rebirth should go out as NCMD to the node, got %s", msgs[0].topic)
	}
	p, err := Decode(msgs[0].payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Metrics) != 1 || p.Metrics[0].Name != "Node Control/Rebirth" || !p.Metrics[0].Bool {
		t.Errorf("unexpected rebirth payload: %+v", p.Metrics)
	}

	// data stays discarded until a fresh birth
	h.HandleMessage(dataTopic, encodeSeq(t, 6, m))
	for _, e := range sink.kinds()[3:] {
		if e == "data" {
			t.Error("stale node must discard data until rebirth")
		}
	}

	h.HandleMessage(birthTopic, encodeSeq(t, 0, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 1, m))
	kinds = sink.kinds()
	if kinds[len(kinds)-1] != "data" || kinds[len(kinds)-2] != "birth" {
		t.Errorf("fresh birth should clear staleness: %v", kinds)
	}
}

func TestHostGapBurstRequestsOneRebirth(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	h := testHostEngine(pub, sink)

	m, _ := NewMetric("temperature", DataTypeDouble, 1, 20.0)
	h.HandleMessage(birthTopic, encodeSeq(t, 0, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 1, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 5, m)) // gap
	for seq := uint8(6); seq < 16; seq++ {
		h.HandleMessage(dataTopic, encodeSeq(t, seq, m))
	}

	if n := len(pub.snapshot()); n != 1 {
		t.Fatalf("one detected gap must produce exactly one rebirth request, got %d", n)
	}
	stales := 0
	for _, k := range sink.kinds() {
		if k == "stale" {
			stales++
		}
	}
	if stales != 1 {
		t.Errorf("one gap must be reported stale exactly once, got %d", stales)
	}

	// a fresh birth re-arms gap detection
	h.HandleMessage(birthTopic, encodeSeq(t, 0, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 9, m))
	if n := len(pub.snapshot()); n != 2 {
		t.Errorf("a gap after rebirth must request again, got %d requests", n)
	}
}

func TestHostSequenceWrapsAt255(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	h := testHostEngine(pub, sink)

	m, _ := NewMetric("temperature", DataTypeDouble, 1, 20.0)
	h.HandleMessage(birthTopic, encodeSeq(t, 0, m))

	h.mu.Lock()
	h.nodes["node-1"].expectedSeq = 255
	h.mu.Unlock()

	h.HandleMessage(dataTopic, encodeSeq(t, 255, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 0, m))

	if len(pub.snapshot()) != 0 {
		t.Error("wrap from 255 to 0 is not a gap")
	}
}

func TestHostDeathMarksOffline(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	h := testHostEngine(pub, sink)

	m, _ := NewMetric("temperature", DataTypeDouble, 1, 20.0)
	h.HandleMessage(birthTopic, encodeSeq(t, 0, m))
	h.HandleMessage(deathTopic, encodeSeq(t, 0))

	kinds := sink.kinds()
	if kinds[len(kinds)-1] != "death" {
		t.Errorf("expected death event, got %v", kinds)
	}
}

func TestHostStalenessSweep(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	h := testHostEngine(pub, sink)

	m, _ := NewMetric("temperature", DataTypeDouble, 1, 20.0)
	h.HandleMessage(birthTopic, encodeSeq(t, 0, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 1, m))
	h.HandleMessage(dataTopic, encodeSeq(t, 2, m))

	// push the device's last-data well past 3x its observed interval
	h.mu.Lock()
	h.devices["dev-1"].lastData = time.Now().Add(-time.Hour)
	h.devices["dev-1"].interval = time.Second
	h.mu.Unlock()

	h.sweep(time.Now())

	kinds := sink.kinds()
	last := sink.events[len(sink.events)-1]
	if kinds[len(kinds)-1] != "stale" || !strings.Contains(last.reason, "staleness") {
		t.Errorf("sweep should emit a stale event, got %v", kinds)
	}

	// a stale device is not re-reported by the next sweep
	before := len(sink.kinds())
	h.sweep(time.Now())
	if len(sink.kinds()) != before {
		t.Error("sweep should report staleness once")
	}
}

func TestHostSweepStaleAtExactMultiple(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	h := testHostEngine(pub, sink)

	m, _ := NewMetric("temperature", DataTypeDouble, 1, 20.0)
	h.HandleMessage(birthTopic, encodeSeq(t, 0, m))

	// silence of exactly three intervals already counts as stale
	now := time.Now()
	h.mu.Lock()
	h.devices["dev-1"].lastData = now.Add(-3 * time.Second)
	h.devices["dev-1"].interval = time.Second
	h.mu.Unlock()

	h.sweep(now)
	kinds := sink.kinds()
	if kinds[len(kinds)-1] != "stale" {
		t.Errorf("expected stale at the threshold, got %v", kinds)
	}
}

func TestHostIgnoresMalformed(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	h := testHostEngine(pub, sink)

	h.HandleMessage("spBv1.0/IIoT/BOGUS/node-1/dev-1", []byte{1, 2, 3})
	h.HandleMessage(dataTopic, []byte{0xff, 0xff})
	if len(sink.kinds()) != 0 {
		t.Errorf("malformed input should be dropped, got %v", sink.kinds())
	}
}
