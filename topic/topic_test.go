package topic

import (
	"errors"
	"testing"

	"github.com/telefabric/telefabric/core"
)

func TestParseTelemetryDeviceScoped(t *testing.T) {
	parsed, err := ParseTelemetry("spBv1.0/IIoT/DDATA/edge-node-1/device-pump-003")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Namespace != "spBv1.0" || parsed.GroupID != "IIoT" {
		t.Errorf("unexpected namespace/group: %+v", parsed)
	}
	if parsed.MessageType != DData || parsed.NodeID != "edge-node-1" || parsed.DeviceID != "device-pump-003" {
		t.Errorf("unexpected fields: %+v", parsed)
	}
	if parsed.String() != "spBv1.0/IIoT/DDATA/edge-node-1/device-pump-003" {
		t.Errorf("round trip failed: %s", parsed.String())
	}
}

func TestParseTelemetryNodeScoped(t *testing.T) {
	parsed, err := ParseTelemetry("spBv1.0/IIoT/NBIRTH/edge-node-1")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.DeviceID != "" {
		t.Errorf("node-scoped topic should have no device: %+v", parsed)
	}
	if parsed.String() != "spBv1.0/IIoT/NBIRTH/edge-node-1" {
		t.Errorf("round trip failed: %s", parsed.String())
	}
}

func TestParseTelemetryRejections(t *testing.T) {
	bad := []string{
		"spBv1.0/IIoT/DDATA",                       // too short
		"spBv1.0/IIoT/DDATA/node/dev/extra",        // too long
		"spBv1.0/IIoT/BOGUS/node/dev",              // unknown type
		"spBv1.0/IIoT/DDATA/node",                  // device-scoped without device
		"spBv1.0/IIoT/NDATA/node/dev",              // node-scoped with device
		"spBv1.0//DDATA/node/dev",                  // empty level
	}
	for _, topic := range bad {
		if _, err := ParseTelemetry(topic); !errors.Is(err, core.ErrMalformedTopic) {
			t.Errorf("expected malformed-topic error for %q, got %v", topic, err)
		}
	}
}

func TestParseMgmt(t *testing.T) {
	parsed, err := ParseMgmt("lwm2m/device-breaker-001/cmd/write")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Prefix != "lwm2m" || parsed.DeviceID != "device-breaker-001" {
		t.Errorf("unexpected prefix/device: %+v", parsed)
	}
	if parsed.Verb != VerbCmd || parsed.Sub != "write" {
		t.Errorf("unexpected verb/sub: %+v", parsed)
	}
	if parsed.String() != "lwm2m/device-breaker-001/cmd/write" {
		t.Errorf("round trip failed: %s", parsed.String())
	}

	reg, err := ParseMgmt("lwm2m/device-breaker-001/reg")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if reg.Verb != VerbReg || reg.Sub != "" {
		t.Errorf("unexpected reg parse: %+v", reg)
	}
}

func TestParseMgmtRejections(t *testing.T) {
	bad := []string{
		"lwm2m/device-1",              // too short
		"lwm2m/device-1/bogus",        // unknown verb
		"lwm2m/device-1/reg/extra",    // reg takes no qualifier
		"lwm2m/device-1/update/extra", // update takes no qualifier
		"lwm2m//reg",                  // empty level
	}
	for _, topic := range bad {
		if _, err := ParseMgmt(topic); !errors.Is(err, core.ErrMalformedTopic) {
			t.Errorf("expected malformed-topic error for %q, got %v", topic, err)
		}
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"spBv1.0/IIoT/DDATA/+/+", "spBv1.0/IIoT/DDATA/node/dev", true},
		{"spBv1.0/IIoT/DBIRTH/+", "spBv1.0/IIoT/DBIRTH/node", true},
		{"spBv1.0/IIoT/DBIRTH/+", "spBv1.0/IIoT/DBIRTH/node/dev", false},
		{"spBv1.0/#", "spBv1.0/IIoT/DDATA/node/dev", true},
		{"spBv1.0/IIoT/#", "spBv1.0/IIoT", true},
		{"lwm2m/+/reg", "lwm2m/device-1/reg", true},
		{"lwm2m/+/reg", "lwm2m/device-1/update", false},
		{"lwm2m/+/cmd/#", "lwm2m/device-1/cmd/write", true},
		{"lwm2m/device-1/reg", "lwm2m/device-1/reg", true},
		{"lwm2m/#/reg", "lwm2m/device-1/reg", false}, // # only at tail
		{"+", "lwm2m/device-1/reg", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

// match(pattern, format(parse(t))) holds for accepted topics.
func TestMatchAfterRoundTrip(t *testing.T) {
	topics := []string{
		"spBv1.0/IIoT/DDATA/edge-node-1/device-pump-003",
		"spBv1.0/IIoT/NBIRTH/edge-node-1",
	}
	for _, raw := range topics {
		parsed, err := ParseTelemetry(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !Match(raw, parsed.String()) {
			t.Errorf("formatted topic should match itself: %s", parsed.String())
		}
	}
}
