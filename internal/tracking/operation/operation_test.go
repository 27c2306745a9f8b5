package operation

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncodeIsDeterministic(t *testing.T) {
	op := AddStrings{Path: "sys/tags", Values: []string{"b", "a"}}

	first, err := Encode(op)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	second, err := Encode(op)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("Encode produced different bytes for the same op")
	}
}

func TestDecodeRestoresConcreteType(t *testing.T) {
	when := time.Date(2026, 3, 14, 15, 9, 26, 535000000, time.UTC)
	step := 3.0

	tests := []struct {
		name string
		op   Op
	}{
		{"float", AssignFloat{Path: "params/lr", Value: 0.001}},
		{"datetime", AssignDatetime{Path: "sys/creation_time", Value: when}},
		{"series", LogFloats{Path: "metrics/acc", Points: []FloatPoint{{Value: 0.5, Step: &step, Timestamp: when}}}},
		{"upload", UploadFile{Path: "artifacts/model", FilePath: "/tmp/model.bin", Ext: "bin"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Encode(tt.op)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(payload)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.Kind() != tt.op.Kind() {
				t.Errorf("Kind = %s, want %s", got.Kind(), tt.op.Kind())
			}
			if got.Attribute() != tt.op.Attribute() {
				t.Errorf("Attribute = %s, want %s", got.Attribute(), tt.op.Attribute())
			}
		})
	}
}

func TestDecodeDatetimeKeepsInstant(t *testing.T) {
	when := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)

	payload, err := Encode(AssignDatetime{Path: "sys/ping_time", Value: when})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	dt, ok := got.(AssignDatetime)
	if !ok {
		t.Fatalf("Decode returned %T, want AssignDatetime", got)
	}
	if !dt.Value.Equal(when) {
		t.Errorf("Value = %v, want %v", dt.Value, when)
	}
}

func TestEncodeRejectsInvalidOps(t *testing.T) {
	tests := []struct {
		name string
		op   Op
	}{
		{"empty path", AssignInt{Value: 1}},
		{"empty segment", AssignInt{Path: "a//b", Value: 1}},
		{"leading slash", AssignInt{Path: "/a", Value: 1}},
		{"no points", LogFloats{Path: "metrics/loss"}},
		{"no tags", AddStrings{Path: "sys/tags"}},
		{"no file", UploadFile{Path: "artifacts/x"}},
		{"zero time", AssignDatetime{Path: "sys/t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.op); err == nil {
				t.Errorf("Encode(%+v) succeeded, want error", tt.op)
			}
		})
	}

	if _, err := Encode(nil); err == nil {
		t.Error("Encode(nil) succeeded, want error")
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	payload, err := encMode.Marshal(envelope{Kind: "rename_run", Body: []byte{0xa0}})
	if err != nil {
		t.Fatalf("failed to build payload: %v", err)
	}

	_, err = Decode(payload)
	if err == nil || !strings.Contains(err.Error(), "unknown op kind") {
		t.Errorf("Decode error = %v, want unknown op kind", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Error("Decode(garbage) succeeded, want error")
	}
}

func TestEnvelopesPreserveOrder(t *testing.T) {
	ops := []Op{
		AssignString{Path: "sys/name", Value: "baseline"},
		AddStrings{Path: "sys/tags", Values: []string{"gpu"}},
		DeleteAttribute{Path: "params/old"},
	}

	envs, err := ToEnvelopes(ops)
	if err != nil {
		t.Fatalf("ToEnvelopes failed: %v", err)
	}

	data, err := json.Marshal(envs)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}

	var decoded []Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal failed: %v", err)
	}

	got, err := FromEnvelopes(decoded)
	if err != nil {
		t.Fatalf("FromEnvelopes failed: %v", err)
	}
	if len(got) != len(ops) {
		t.Fatalf("got %d ops, want %d", len(got), len(ops))
	}
	for i := range ops {
		if Describe(got[i]) != Describe(ops[i]) {
			t.Errorf("op %d = %s, want %s", i, Describe(got[i]), Describe(ops[i]))
		}
	}
	if name, ok := got[0].(AssignString); !ok || name.Value != "baseline" {
		t.Errorf("op 0 = %#v, want AssignString baseline", got[0])
	}
}
