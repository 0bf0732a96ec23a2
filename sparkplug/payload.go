// Package sparkplug implements the telemetry path: the binary metric
// codec plus the device-side and host-side engines.
package sparkplug

import "fmt"

// DataType tags a metric value on the wire.
type DataType uint32

const (
	DataTypeInt8    DataType = 1
	DataTypeInt16   DataType = 2
	DataTypeInt32   DataType = 3
	DataTypeInt64   DataType = 4
	DataTypeUInt8   DataType = 5
	DataTypeUInt16  DataType = 6
	DataTypeUInt32  DataType = 7
	DataTypeUInt64  DataType = 8
	DataTypeFloat   DataType = 9
	DataTypeDouble  DataType = 10
	DataTypeBoolean DataType = 11
	DataTypeString  DataType = 12
	DataTypeBytes   DataType = 17
)

// OpaqueValue marks a metric whose datatype tag the decoder does not
// recognize. The metric is carried through rather than dropped.
const OpaqueValue = "unsupported_datatype"

// Metric is one named value in a payload. Exactly one value slot is
// populated, selected by DataType.
type Metric struct {
	Name      string
	Timestamp int64 // ms since epoch
	DataType  DataType

	Int    int64
	Uint   uint64
	Float  float32
	Double float64
	Bool   bool
	Str    string
	Bytes  []byte

	// Opaque is set by the decoder for unknown datatype tags.
	// Str carries OpaqueValue in that case.
	Opaque bool
}

// Value returns the populated slot as an interface value.
func (m Metric) Value() interface{} {
	if m.Opaque {
		return OpaqueValue
	}
	switch m.DataType {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64:
		return m.Int
	case DataTypeUInt8, DataTypeUInt16, DataTypeUInt32, DataTypeUInt64:
		return m.Uint
	case DataTypeFloat:
		return m.Float
	case DataTypeDouble:
		return m.Double
	case DataTypeBoolean:
		return m.Bool
	case DataTypeString:
		return m.Str
	case DataTypeBytes:
		return m.Bytes
	}
	return nil
}

// NewMetric builds a metric, populating the slot selected by dt.
// The value must be assignable to the slot's Go type.
func NewMetric(name string, dt DataType, ts int64, value interface{}) (Metric, error) {
	m := Metric{Name: name, DataType: dt, Timestamp: ts}
	switch dt {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64:
		switch v := value.(type) {
		case int:
			m.Int = int64(v)
		case int32:
			m.Int = int64(v)
		case int64:
			m.Int = v
		default:
			return Metric{}, fmt.Errorf("metric %s: %T is not an integer", name, value)
		}
	case DataTypeUInt8, DataTypeUInt16, DataTypeUInt32, DataTypeUInt64:
		switch v := value.(type) {
		case uint:
			m.Uint = uint64(v)
		case uint32:
			m.Uint = uint64(v)
		case uint64:
			m.Uint = v
		case int:
			if v < 0 {
				return Metric{}, fmt.Errorf("metric %s: negative value for unsigned datatype", name)
			}
			m.Uint = uint64(v)
		default:
			return Metric{}, fmt.Errorf("metric %s: %T is not an unsigned integer", name, value)
		}
	case DataTypeFloat:
		switch v := value.(type) {
		case float32:
			m.Float = v
		case float64:
			m.Float = float32(v)
		default:
			return Metric{}, fmt.Errorf("metric %s: %T is not a float", name, value)
		}
	case DataTypeDouble:
		switch v := value.(type) {
		case float32:
			m.Double = float64(v)
		case float64:
			m.Double = v
		default:
			return Metric{}, fmt.Errorf("metric %s: %T is not a double", name, value)
		}
	case DataTypeBoolean:
		v, ok := value.(bool)
		if !ok {
			return Metric{}, fmt.Errorf("metric %s: %T is not a bool", name, value)
		}
		m.Bool = v
	case DataTypeString:
		v, ok := value.(string)
		if !ok {
			return Metric{}, fmt.Errorf("metric %s: %T is not a string", name, value)
		}
		m.Str = v
	case DataTypeBytes:
		v, ok := value.([]byte)
		if !ok {
			return Metric{}, fmt.Errorf("metric %s: %T is not a byte slice", name, value)
		}
		m.Bytes = v
	default:
		return Metric{}, fmt.Errorf("metric %s: unknown datatype %d", name, dt)
	}
	return m, nil
}

// Payload is one telemetry message. Metric order is the device's
// declaration order from birth and is preserved end to end.
type Payload struct {
	Timestamp int64 // ms since epoch
	Seq       uint8
	UUID      string
	Metrics   []Metric
}
