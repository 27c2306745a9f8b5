package operation

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same op always produces
// the same payload bytes. Times are written as RFC 3339 strings so payloads
// stay readable in dumps.
var encMode cbor.EncMode

// decMode ignores unknown fields so payloads written by newer producers
// still decode.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("operation: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("operation: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is the CBOR payload stored in the disk queue.
type envelope struct {
	Kind Kind            `cbor:"k"`
	Body cbor.RawMessage `cbor:"b"`
}

// Envelope is the JSON form of an op used by the HTTP transport and by
// queue exports.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Encode serializes op into an opaque queue payload.
func Encode(op Op) ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("cannot encode nil op")
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s op: %w", op.Kind(), err)
	}

	body, err := encMode.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", op.Kind(), err)
	}

	data, err := encMode.Marshal(envelope{Kind: op.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", op.Kind(), err)
	}
	return data, nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (Op, error) {
	var env envelope
	if err := decMode.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode op envelope: %w", err)
	}
	return decodeBody(env.Kind, env.Body, decMode.Unmarshal)
}

// ToEnvelope converts op into its JSON envelope.
func ToEnvelope(op Op) (Envelope, error) {
	if op == nil {
		return Envelope{}, fmt.Errorf("cannot encode nil op")
	}
	body, err := json.Marshal(op)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s body: %w", op.Kind(), err)
	}
	return Envelope{Kind: op.Kind(), Body: body}, nil
}

// FromEnvelope converts a JSON envelope back into an op.
func FromEnvelope(env Envelope) (Op, error) {
	return decodeBody(env.Kind, env.Body, json.Unmarshal)
}

// ToEnvelopes converts a batch of ops, preserving order.
func ToEnvelopes(ops []Op) ([]Envelope, error) {
	envs := make([]Envelope, 0, len(ops))
	for i, op := range ops {
		env, err := ToEnvelope(op)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// FromEnvelopes converts a batch of JSON envelopes, preserving order.
func FromEnvelopes(envs []Envelope) ([]Op, error) {
	ops := make([]Op, 0, len(envs))
	for i, env := range envs {
		op, err := FromEnvelope(env)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeBody(kind Kind, body []byte, unmarshal func([]byte, any) error) (Op, error) {
	var (
		op  Op
		err error
	)
	switch kind {
	case KindAssignFloat:
		var v AssignFloat
		err = unmarshal(body, &v)
		op = v
	case KindAssignInt:
		var v AssignInt
		err = unmarshal(body, &v)
		op = v
	case KindAssignBool:
		var v AssignBool
		err = unmarshal(body, &v)
		op = v
	case KindAssignString:
		var v AssignString
		err = unmarshal(body, &v)
		op = v
	case KindAssignDatetime:
		var v AssignDatetime
		err = unmarshal(body, &v)
		op = v
	case KindLogFloats:
		var v LogFloats
		err = unmarshal(body, &v)
		op = v
	case KindLogStrings:
		var v LogStrings
		err = unmarshal(body, &v)
		op = v
	case KindAddStrings:
		var v AddStrings
		err = unmarshal(body, &v)
		op = v
	case KindRemoveStrings:
		var v RemoveStrings
		err = unmarshal(body, &v)
		op = v
	case KindClearStringSet:
		var v ClearStringSet
		err = unmarshal(body, &v)
		op = v
	case KindDeleteAttribute:
		var v DeleteAttribute
		err = unmarshal(body, &v)
		op = v
	case KindUploadFile:
		var v UploadFile
		err = unmarshal(body, &v)
		op = v
	default:
		return nil, fmt.Errorf("unknown op kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", kind, err)
	}
	return op, nil
}
