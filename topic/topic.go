// Package topic implements the two topic families of the fabric and
// MQTT-style wildcard matching. All functions are pure; no state.
package topic

import (
	"fmt"
	"strings"

	"github.com/telefabric/telefabric/core"
)

// MessageType is a telemetry message type token.
type MessageType string

const (
	NBirth MessageType = "NBIRTH"
	NData  MessageType = "NDATA"
	NDeath MessageType = "NDEATH"
	DBirth MessageType = "DBIRTH"
	DData  MessageType = "DDATA"
	DDeath MessageType = "DDEATH"
	NCmd   MessageType = "NCMD"
	DCmd   MessageType = "DCMD"
)

var telemetryTypes = map[MessageType]bool{
	NBirth: true, NData: true, NDeath: true,
	DBirth: true, DData: true, DDeath: true,
	NCmd: true, DCmd: true,
}

// DeviceScoped reports whether the message type carries a device level
// after the edge node level.
func (m MessageType) DeviceScoped() bool {
	return m == DBirth || m == DData || m == DDeath || m == DCmd
}

// Telemetry is a parsed telemetry-family topic.
type Telemetry struct {
	Namespace   string
	GroupID     string
	MessageType MessageType
	NodeID      string
	DeviceID    string // empty for node-scoped types
}

// String formats the topic back to its wire form.
func (t Telemetry) String() string {
	if t.DeviceID != "" {
		return fmt.Sprintf("%s/%s/%s/%s/%s", t.Namespace, t.GroupID, t.MessageType, t.NodeID, t.DeviceID)
	}
	return fmt.Sprintf("%s/%s/%s/%s", t.Namespace, t.GroupID, t.MessageType, t.NodeID)
}

// ParseTelemetry parses <ns>/<group>/<msg_type>/<node>[/<device>].
func ParseTelemetry(topic string) (Telemetry, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 && len(parts) != 5 {
		return Telemetry{}, fmt.Errorf("telemetry topic %q: %w", topic, core.ErrMalformedTopic)
	}
	for _, p := range parts {
		if p == "" {
			return Telemetry{}, fmt.Errorf("telemetry topic %q has empty level: %w", topic, core.ErrMalformedTopic)
		}
	}

	mt := MessageType(parts[2])
	if !telemetryTypes[mt] {
		return Telemetry{}, fmt.Errorf("telemetry topic %q: unknown message type %q: %w", topic, parts[2], core.ErrMalformedTopic)
	}

	t := Telemetry{
		Namespace:   parts[0],
		GroupID:     parts[1],
		MessageType: mt,
		NodeID:      parts[3],
	}
	if mt.DeviceScoped() {
		if len(parts) != 5 {
			return Telemetry{}, fmt.Errorf("telemetry topic %q: %s requires a device level: %w", topic, mt, core.ErrMalformedTopic)
		}
		t.DeviceID = parts[4]
	} else if len(parts) != 4 {
		return Telemetry{}, fmt.Errorf("telemetry topic %q: %s takes no device level: %w", topic, mt, core.ErrMalformedTopic)
	}
	return t, nil
}

// Verb is a management-family topic verb.
type Verb string

const (
	VerbReg    Verb = "reg"
	VerbUpdate Verb = "update"
	VerbBulk   Verb = "bulk"
	VerbDereg  Verb = "dereg"
	VerbCmd    Verb = "cmd"
	VerbResp   Verb = "resp"
	VerbEvent  Verb = "event"
	VerbConfig Verb = "config"
)

var mgmtVerbs = map[Verb]bool{
	VerbReg: true, VerbUpdate: true, VerbBulk: true, VerbDereg: true,
	VerbCmd: true, VerbResp: true, VerbEvent: true, VerbConfig: true,
}

// Mgmt is a parsed management-family topic.
type Mgmt struct {
	Prefix   string
	DeviceID string
	Verb     Verb
	Sub      string // qualifies cmd and resp; empty otherwise
}

// String formats the topic back to its wire form.
func (m Mgmt) String() string {
	if m.Sub != "" {
		return fmt.Sprintf("%s/%s/%s/%s", m.Prefix, m.DeviceID, m.Verb, m.Sub)
	}
	return fmt.Sprintf("%s/%s/%s", m.Prefix, m.DeviceID, m.Verb)
}

// ParseMgmt parses <prefix>/<device_id>/<verb>[/<sub>].
func ParseMgmt(topic string) (Mgmt, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 && len(parts) != 4 {
		return Mgmt{}, fmt.Errorf("mgmt topic %q: %w", topic, core.ErrMalformedTopic)
	}
	for _, p := range parts {
		if p == "" {
			return Mgmt{}, fmt.Errorf("mgmt topic %q has empty level: %w", topic, core.ErrMalformedTopic)
		}
	}

	v := Verb(parts[2])
	if !mgmtVerbs[v] {
		return Mgmt{}, fmt.Errorf("mgmt topic %q: unknown verb %q: %w", topic, parts[2], core.ErrMalformedTopic)
	}

	m := Mgmt{
		Prefix:   parts[0],
		DeviceID: parts[1],
		Verb:     v,
	}
	if len(parts) == 4 {
		if v != VerbCmd && v != VerbResp {
			return Mgmt{}, fmt.Errorf("mgmt topic %q: verb %s takes no qualifier: %w", topic, v, core.ErrMalformedTopic)
		}
		m.Sub = parts[3]
	}
	return m, nil
}

// Match implements MQTT wildcard matching. A `+` matches exactly one
// level, a trailing `#` matches the remainder of the topic including
// zero levels.
func Match(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, p := range pp {
		if p == "#" {
			// valid only at the tail
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if p != "+" && p != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
