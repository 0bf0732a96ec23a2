package device

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/telefabric/telefabric/mgmt"
)

// SensorModel is the management object model for plain field sensors.
// Object 3 carries device identity, object 4 connectivity; both follow
// the usual OMA numbering.
type SensorModel struct {
	deviceID   string
	deviceType string

	mu  sync.Mutex
	rng *rand.Rand
	cfg map[string]interface{}
}

// NewSensorModel builds the model for one simulated sensor.
func NewSensorModel(deviceType, deviceID string) *SensorModel {
	return &SensorModel{
		deviceID:   deviceID,
		deviceType: deviceType,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		cfg: map[string]interface{}{
			"report_interval": 5,
		},
	}
}

// ObjectTree returns the full registration tree.
func (m *SensorModel) ObjectTree() mgmt.ObjectTree {
	return mgmt.ObjectTree{
		"3": {
			"0": {
				"0": "Telefabric Works",
				"1": "SimDevice-" + m.deviceType,
				"2": m.deviceID,
				"3": "1.0.0",
			},
		},
		"4": {
			"0": {
				"0": 1,
				"1": 100,
				"2": 100,
				"4": "192.168.1.100",
			},
		},
	}
}

// UpdateTree reports the volatile connectivity resources.
func (m *SensorModel) UpdateTree() mgmt.ObjectTree {
	m.mu.Lock()
	signal := 30 + m.rng.Intn(20)
	ip := fmt.Sprintf("192.168.1.%d", 100+m.rng.Intn(100))
	m.mu.Unlock()
	return mgmt.ObjectTree{
		"4": {
			"0": {
				"2": signal,
				"4": ip,
			},
		},
	}
}

// Read looks a resource up in the full tree.
func (m *SensorModel) Read(object, instance, resource string) (interface{}, error) {
	tree := m.ObjectTree()
	if inst, ok := tree[object]; ok {
		if res, ok := inst[instance]; ok {
			if v, ok := res[resource]; ok {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("resource /%s/%s/%s not found", object, instance, resource)
}

// Write is rejected; plain sensors expose no writable resources.
func (m *SensorModel) Write(object, instance, resource string, value interface{}) error {
	return fmt.Errorf("resource /%s/%s/%s is read-only", object, instance, resource)
}

// Execute is rejected; plain sensors expose no executable resources.
func (m *SensorModel) Execute(object, instance, resource string, params map[string]interface{}) error {
	return fmt.Errorf("resource /%s/%s/%s is not executable", object, instance, resource)
}

// HandleOperation rejects semantic commands; sensors have none.
func (m *SensorModel) HandleOperation(name string, params map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("unsupported operation %q", name)
}

// Configure merges settings into the sensor's configuration.
func (m *SensorModel) Configure(settings map[string]interface{}) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range settings {
		m.cfg[k] = v
	}
	return m.configurationLocked(), nil
}

// ResolveTemplate is rejected; plain sensors carry no templates.
func (m *SensorModel) ResolveTemplate(name string) (map[string]interface{}, error) {
	return nil, fmt.Errorf("no configuration template %q", name)
}

// Configuration returns the effective configuration.
func (m *SensorModel) Configuration() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configurationLocked()
}

func (m *SensorModel) configurationLocked() map[string]interface{} {
	out := make(map[string]interface{}, len(m.cfg))
	for k, v := range m.cfg {
		out[k] = v
	}
	return out
}
