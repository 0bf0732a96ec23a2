// Package mgmt implements the management path: device registration,
// periodic object-tree updates with optional bulk batching, and
// correlated command exchange.
package mgmt

// ObjectTree is the nested object model carried by registrations and
// updates: object-id → instance-id → resource-id → value.
type ObjectTree map[string]map[string]map[string]interface{}

// Merge applies other on top of the tree, replacing values whole.
func (t ObjectTree) Merge(other ObjectTree) {
	for obj, instances := range other {
		if _, ok := t[obj]; !ok {
			t[obj] = make(map[string]map[string]interface{}, len(instances))
		}
		for inst, resources := range instances {
			if _, ok := t[obj][inst]; !ok {
				t[obj][inst] = make(map[string]interface{}, len(resources))
			}
			for res, v := range resources {
				t[obj][inst][res] = v
			}
		}
	}
}

// Clone deep-copies the tree.
func (t ObjectTree) Clone() ObjectTree {
	out := make(ObjectTree, len(t))
	out.Merge(t)
	return out
}

// ProtocolVersion and BindingMode are fixed for every registration
// this fabric emits.
const (
	ProtocolVersion = "1.2"
	BindingMode     = "UQ"
)

// Registration is the document a device publishes on connect.
type Registration struct {
	Endpoint    string     `json:"endpoint"`
	Lifetime    int        `json:"lifetime"`
	Version     string     `json:"version"`
	BindingMode string     `json:"bindingMode"`
	Objects     ObjectTree `json:"objects"`
	Timestamp   int64      `json:"timestamp,omitempty"`
}

// RegistrationReply is the server's answer on resp/reg.
type RegistrationReply struct {
	Status   string `json:"status"`
	Location string `json:"location"`
	Lifetime int    `json:"lifetime"`
}

// UpdateReply is the server's answer on resp/update.
type UpdateReply struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Update is one periodic object-tree update.
type Update struct {
	Objects   ObjectTree `json:"objects"`
	Timestamp int64      `json:"timestamp"`
}

// BulkOperation is one element of a bulk envelope. Operation order
// within an envelope is the order the operations were produced.
type BulkOperation struct {
	Operation string                 `json:"operation"`
	Objects   ObjectTree             `json:"objects,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// BulkEnvelope batches operations to cut per-message overhead.
type BulkEnvelope struct {
	BulkOperations []BulkOperation `json:"bulk_operations"`
	DeviceID       string          `json:"device_id"`
	Count          int             `json:"bulk_size"`
	Timestamp      int64           `json:"timestamp"`
}

// Command is the host-to-device envelope on cmd/<verb>.
type Command struct {
	CommandName   string                 `json:"command_name"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	Timestamp     int64                  `json:"timestamp"`
}

// Response mirrors a command back on resp/<verb>.
type Response struct {
	Status        string                 `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	Timestamp     int64                  `json:"timestamp"`
}

// Event is a device-originated notification on the event verb, such
// as a breaker trip.
type Event struct {
	EventType string                 `json:"event_type"`
	DeviceID  string                 `json:"device_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Deregistration is the explicit goodbye on the dereg verb.
type Deregistration struct {
	Endpoint  string `json:"endpoint"`
	Timestamp int64  `json:"timestamp"`
}
