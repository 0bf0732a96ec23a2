package sparkplug

import (
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/telefabric/telefabric/core"
)

func samplePayload() *Payload {
	return &Payload{
		Timestamp: 1724500000000,
		Seq:       42,
		UUID:      "3f6e0c0e-9bfa-4a1e-8a55-2f0c8c1d8d10",
		Metrics: []Metric{
			{Name: "temperature", DataType: DataTypeDouble, Timestamp: 1724500000000, Double: 23.5},
			{Name: "pressure", DataType: DataTypeFloat, Timestamp: 1724500000000, Float: 101.3},
			{Name: "cycle_count", DataType: DataTypeUInt32, Timestamp: 1724500000000, Uint: 900000},
			{Name: "error_code", DataType: DataTypeInt16, Timestamp: 1724500000000, Int: -7},
			{Name: "running", DataType: DataTypeBoolean, Timestamp: 1724500000000, Bool: true},
			{Name: "firmware", DataType: DataTypeString, Timestamp: 1724500000000, Str: "v2.4.1"},
			{Name: "blob", DataType: DataTypeBytes, Timestamp: 1724500000000, Bytes: []byte{0xde, 0xad}},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := samplePayload()
	raw, err := Encode(want)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestDecodePreservesMetricOrder(t *testing.T) {
	raw, err := Encode(samplePayload())
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(got.Metrics))
	for i, m := range got.Metrics {
		names[i] = m.Name
	}
	want := []string{"temperature", "pressure", "cycle_count", "error_code", "running", "firmware", "blob"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("metric order not preserved: %v", names)
	}
}

func TestSeqEmittedAsSupplied(t *testing.T) {
	for _, seq := range []uint8{0, 1, 255} {
		p := &Payload{Timestamp: 1, Seq: seq}
		raw, err := Encode(p)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got.Seq != seq {
			t.Errorf("seq %d came back as %d", seq, got.Seq)
		}
	}
}

func TestDecodeUnknownDatatypeIsOpaque(t *testing.T) {
	// metric with datatype tag 99 and a varint value slot
	mb := protowire.AppendTag(nil, fMetricName, protowire.BytesType)
	mb = protowire.AppendString(mb, "mystery")
	mb = protowire.AppendTag(mb, fMetricDataType, protowire.VarintType)
	mb = protowire.AppendVarint(mb, 99)
	mb = protowire.AppendTag(mb, fMetricLong, protowire.VarintType)
	mb = protowire.AppendVarint(mb, 7)

	buf := protowire.AppendTag(nil, fPayloadTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 1)
	buf = protowire.AppendTag(buf, fPayloadMetric, protowire.BytesType)
	buf = protowire.AppendBytes(buf, mb)
	buf = protowire.AppendTag(buf, fPayloadSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 3)

	p, err := Decode(buf)
	if err != nil {
		t.Fatalf("unknown datatype must not abort the payload: %v", err)
	}
	if len(p.Metrics) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(p.Metrics))
	}
	m := p.Metrics[0]
	if !m.Opaque || m.Str != OpaqueValue {
		t.Errorf("expected opaque sentinel, got %+v", m)
	}
	if m.Name != "mystery" {
		t.Errorf("opaque metric should keep its name: %+v", m)
	}
}

func TestDecodeRejectsMismatchedValueSlot(t *testing.T) {
	// datatype says string, value rides the double slot
	mb := protowire.AppendTag(nil, fMetricName, protowire.BytesType)
	mb = protowire.AppendString(mb, "bad")
	mb = protowire.AppendTag(mb, fMetricDataType, protowire.VarintType)
	mb = protowire.AppendVarint(mb, uint64(DataTypeString))
	mb = protowire.AppendTag(mb, fMetricDouble, protowire.Fixed64Type)
	mb = protowire.AppendFixed64(mb, 0x4037000000000000)

	buf := protowire.AppendTag(nil, fPayloadMetric, protowire.BytesType)
	buf = protowire.AppendBytes(buf, mb)

	if _, err := Decode(buf); !errors.Is(err, core.ErrMalformedPayload) {
		t.Errorf("expected malformed payload, got %v", err)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	raw, err := Encode(samplePayload())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(raw[:len(raw)-3]); !errors.Is(err, core.ErrMalformedPayload) {
		t.Errorf("expected malformed payload for truncated input, got %v", err)
	}
}

func TestDecodeRejectsOutOfRangeSeq(t *testing.T) {
	buf := protowire.AppendTag(nil, fPayloadSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 300)
	if _, err := Decode(buf); !errors.Is(err, core.ErrMalformedPayload) {
		t.Errorf("expected malformed payload for seq 300, got %v", err)
	}
}

func TestNegativeIntRoundTrip(t *testing.T) {
	for _, dt := range []DataType{DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64} {
		p := &Payload{Timestamp: 1, Metrics: []Metric{{Name: "n", DataType: dt, Int: -42}}}
		raw, err := Encode(p)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got.Metrics[0].Int != -42 {
			t.Errorf("datatype %d: -42 came back as %d", dt, got.Metrics[0].Int)
		}
	}
}

func TestNewMetricSlotSelection(t *testing.T) {
	m, err := NewMetric("flow_rate", DataTypeDouble, 10, 250.7)
	if err != nil {
		t.Fatal(err)
	}
	if m.Double != 250.7 || m.Value() != 250.7 {
		t.Errorf("double slot not populated: %+v", m)
	}

	if _, err := NewMetric("bad", DataTypeBoolean, 10, "yes"); err == nil {
		t.Error("expected type mismatch error")
	}
	if _, err := NewMetric("bad", DataType(77), 10, 1); err == nil {
		t.Error("expected unknown datatype error")
	}
}
