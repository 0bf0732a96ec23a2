package sparkplug

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/telefabric/telefabric/core"
)

// Wire field numbers. Payload: 1 timestamp, 2 metric, 3 seq, 4 uuid.
// Metric: 1 name, 3 timestamp, 4 datatype, 10 int, 11 long, 12 float,
// 13 double, 14 boolean, 15 string, 16 bytes.
const (
	fPayloadTimestamp = 1
	fPayloadMetric    = 2
	fPayloadSeq       = 3
	fPayloadUUID      = 4

	fMetricName      = 1
	fMetricTimestamp = 3
	fMetricDataType  = 4
	fMetricInt       = 10
	fMetricLong      = 11
	fMetricFloat     = 12
	fMetricDouble    = 13
	fMetricBoolean   = 14
	fMetricString    = 15
	fMetricBytes     = 16
)

// valueField maps a datatype to the wire field that carries its value.
// Narrow ints ride the 32-bit slot, wide ints the 64-bit slot.
func valueField(dt DataType) (protowire.Number, bool) {
	switch dt {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeUInt8, DataTypeUInt16:
		return fMetricInt, true
	case DataTypeInt64, DataTypeUInt32, DataTypeUInt64:
		return fMetricLong, true
	case DataTypeFloat:
		return fMetricFloat, true
	case DataTypeDouble:
		return fMetricDouble, true
	case DataTypeBoolean:
		return fMetricBoolean, true
	case DataTypeString:
		return fMetricString, true
	case DataTypeBytes:
		return fMetricBytes, true
	}
	return 0, false
}

// Encode serializes a payload. Seq is emitted exactly as supplied.
func Encode(p *Payload) ([]byte, error) {
	buf := protowire.AppendTag(nil, fPayloadTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.Timestamp))

	for i := range p.Metrics {
		mb, err := encodeMetric(&p.Metrics[i])
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, fPayloadMetric, protowire.BytesType)
		buf = protowire.AppendBytes(buf, mb)
	}

	buf = protowire.AppendTag(buf, fPayloadSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.Seq))
	if p.UUID != "" {
		buf = protowire.AppendTag(buf, fPayloadUUID, protowire.BytesType)
		buf = protowire.AppendString(buf, p.UUID)
	}
	return buf, nil
}

func encodeMetric(m *Metric) ([]byte, error) {
	field, ok := valueField(m.DataType)
	if !ok {
		return nil, fmt.Errorf("metric %s: datatype %d: %w", m.Name, m.DataType, core.ErrProtocolViolation)
	}

	buf := protowire.AppendTag(nil, fMetricName, protowire.BytesType)
	buf = protowire.AppendString(buf, m.Name)
	if m.Timestamp != 0 {
		buf = protowire.AppendTag(buf, fMetricTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Timestamp))
	}
	buf = protowire.AppendTag(buf, fMetricDataType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.DataType))

	switch field {
	case fMetricInt:
		var raw uint64
		switch m.DataType {
		case DataTypeUInt8, DataTypeUInt16:
			raw = m.Uint
		default:
			// two's complement in 32 bits
			raw = uint64(uint32(int32(m.Int)))
		}
		buf = protowire.AppendTag(buf, fMetricInt, protowire.VarintType)
		buf = protowire.AppendVarint(buf, raw)
	case fMetricLong:
		var raw uint64
		if m.DataType == DataTypeInt64 {
			raw = uint64(m.Int)
		} else {
			raw = m.Uint
		}
		buf = protowire.AppendTag(buf, fMetricLong, protowire.VarintType)
		buf = protowire.AppendVarint(buf, raw)
	case fMetricFloat:
		buf = protowire.AppendTag(buf, fMetricFloat, protowire.Fixed32Type)
		buf = protowire.AppendFixed32(buf, math.Float32bits(m.Float))
	case fMetricDouble:
		buf = protowire.AppendTag(buf, fMetricDouble, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(m.Double))
	case fMetricBoolean:
		var raw uint64
		if m.Bool {
			raw = 1
		}
		buf = protowire.AppendTag(buf, fMetricBoolean, protowire.VarintType)
		buf = protowire.AppendVarint(buf, raw)
	case fMetricString:
		buf = protowire.AppendTag(buf, fMetricString, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Str)
	case fMetricBytes:
		buf = protowire.AppendTag(buf, fMetricBytes, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.Bytes)
	}
	return buf, nil
}

// Decode reads a single payload from b. Metric order is preserved.
// Unknown datatype tags produce opaque metrics instead of failing the
// whole payload; a value slot that contradicts a known datatype does
// fail it.
func Decode(b []byte) (*Payload, error) {
	p := &Payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("payload tag: %w", core.ErrMalformedPayload)
		}
		b = b[n:]

		switch num {
		case fPayloadTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("payload timestamp: %w", core.ErrMalformedPayload)
			}
			p.Timestamp = int64(v)
			b = b[n:]
		case fPayloadSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("payload seq: %w", core.ErrMalformedPayload)
			}
			if v > 255 {
				return nil, fmt.Errorf("payload seq %d out of range: %w", v, core.ErrMalformedPayload)
			}
			p.Seq = uint8(v)
			b = b[n:]
		case fPayloadUUID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("payload uuid: %w", core.ErrMalformedPayload)
			}
			p.UUID = v
			b = b[n:]
		case fPayloadMetric:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("payload metric: %w", core.ErrMalformedPayload)
			}
			m, err := decodeMetric(v)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, m)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("payload field %d: %w", num, core.ErrMalformedPayload)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func decodeMetric(b []byte) (Metric, error) {
	var m Metric
	var seenSlot protowire.Number
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Metric{}, fmt.Errorf("metric tag: %w", core.ErrMalformedPayload)
		}
		b = b[n:]

		switch num {
		case fMetricName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Metric{}, fmt.Errorf("metric name: %w", core.ErrMalformedPayload)
			}
			m.Name = v
			b = b[n:]
		case fMetricTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Metric{}, fmt.Errorf("metric timestamp: %w", core.ErrMalformedPayload)
			}
			m.Timestamp = int64(v)
			b = b[n:]
		case fMetricDataType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Metric{}, fmt.Errorf("metric datatype: %w", core.ErrMalformedPayload)
			}
			m.DataType = DataType(v)
			b = b[n:]
		case fMetricInt, fMetricLong, fMetricBoolean:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Metric{}, fmt.Errorf("metric value: %w", core.ErrMalformedPayload)
			}
			seenSlot = num
			switch num {
			case fMetricInt:
				m.Int = int64(int32(uint32(v)))
				m.Uint = v
			case fMetricLong:
				m.Int = int64(v)
				m.Uint = v
			case fMetricBoolean:
				m.Bool = v != 0
			}
			b = b[n:]
		case fMetricFloat:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Metric{}, fmt.Errorf("metric float: %w", core.ErrMalformedPayload)
			}
			seenSlot = num
			m.Float = math.Float32frombits(v)
			b = b[n:]
		case fMetricDouble:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Metric{}, fmt.Errorf("metric double: %w", core.ErrMalformedPayload)
			}
			seenSlot = num
			m.Double = math.Float64frombits(v)
			b = b[n:]
		case fMetricString, fMetricBytes:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Metric{}, fmt.Errorf("metric value: %w", core.ErrMalformedPayload)
			}
			seenSlot = num
			if num == fMetricString {
				m.Str = string(v)
			} else {
				m.Bytes = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Metric{}, fmt.Errorf("metric field %d: %w", num, core.ErrMalformedPayload)
			}
			b = b[n:]
		}
	}

	want, known := valueField(m.DataType)
	if !known {
		m.Opaque = true
		m.Str = OpaqueValue
		return m, nil
	}
	if seenSlot != 0 && seenSlot != want {
		return Metric{}, fmt.Errorf("metric %s: value slot %d does not match datatype %d: %w",
			m.Name, seenSlot, m.DataType, core.ErrMalformedPayload)
	}
	normalizeSlots(&m)
	return m, nil
}

// normalizeSlots clears the aliased integer slot so decoded metrics
// compare equal to what the encoder was given.
func normalizeSlots(m *Metric) {
	switch m.DataType {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64:
		m.Uint = 0
	case DataTypeUInt8, DataTypeUInt16, DataTypeUInt32, DataTypeUInt64:
		m.Int = 0
	default:
		m.Int = 0
		m.Uint = 0
	}
}
