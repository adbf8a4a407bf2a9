package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/openintegrity/goi/pkg/ur"
)

// Wire form: each node is a small CBOR array discriminated by its first
// element.
//
//	[0, value]                       leaf
//	[1, subject, [[pred, obj], ...]] envelope
//	[2, digest]                      elided subtree
const (
	wireLeaf     = 0
	wireEnvelope = 1
	wireElided   = 2

	// URType tags envelope payloads inside UR strings.
	URType = "envelope"
)

// Encode returns the canonical CBOR wire encoding of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return encMode.Marshal(e.wireValue())
}

// URString returns the envelope serialized as "ur:envelope/...".
func (e *Envelope) URString() (string, error) {
	enc, err := e.Encode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelopeEncoding, err)
	}
	return ur.Encode(URType, enc)
}

// Decode parses the CBOR wire encoding of an envelope.
func Decode(data []byte) (*Envelope, error) {
	var raw interface{}
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelopeEncoding, err)
	}
	v, err := fromWire(raw)
	if err != nil {
		return nil, err
	}
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("%w: top-level node is not an envelope", ErrInvalidEnvelopeEncoding)
	}
	return env, nil
}

// FromURString parses "ur:envelope/..." back into an envelope.
func FromURString(s string) (*Envelope, error) {
	urType, payload, err := ur.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelopeEncoding, err)
	}
	if urType != URType {
		return nil, fmt.Errorf("%w: unexpected ur type %q", ErrInvalidEnvelopeEncoding, urType)
	}
	return Decode(payload)
}

func (e *Envelope) wireValue() []interface{} {
	if e.elided {
		return []interface{}{wireElided, e.digest}
	}
	asserts := make([]interface{}, 0, len(e.assertions))
	for _, a := range e.assertions {
		asserts = append(asserts, []interface{}{wireNode(a.Predicate), wireNode(a.Object)})
	}
	return []interface{}{wireEnvelope, wireNode(e.subject), asserts}
}

func wireNode(v interface{}) []interface{} {
	if env, ok := v.(*Envelope); ok {
		return env.wireValue()
	}
	return []interface{}{wireLeaf, normalize(v)}
}

func fromWire(raw interface{}) (interface{}, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, fmt.Errorf("%w: node is not a tagged array", ErrInvalidEnvelopeEncoding)
	}
	kind, ok := asUint(arr[0])
	if !ok {
		return nil, fmt.Errorf("%w: missing node tag", ErrInvalidEnvelopeEncoding)
	}
	switch kind {
	case wireLeaf:
		return arr[1], nil
	case wireElided:
		d, ok := arr[1].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: elided node without digest", ErrInvalidEnvelopeEncoding)
		}
		return NewElided(d), nil
	case wireEnvelope:
		if len(arr) != 3 {
			return nil, fmt.Errorf("%w: envelope node arity %d", ErrInvalidEnvelopeEncoding, len(arr))
		}
		subject, err := fromWire(arr[1])
		if err != nil {
			return nil, err
		}
		rawAsserts, ok := arr[2].([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: envelope assertions not a list", ErrInvalidEnvelopeEncoding)
		}
		env := New(subject)
		for _, ra := range rawAsserts {
			pair, ok := ra.([]interface{})
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("%w: assertion is not a pair", ErrInvalidEnvelopeEncoding)
			}
			pred, err := fromWire(pair[0])
			if err != nil {
				return nil, err
			}
			obj, err := fromWire(pair[1])
			if err != nil {
				return nil, err
			}
			env.assertions = append(env.assertions, Assertion{Predicate: pred, Object: obj})
		}
		return env, nil
	default:
		return nil, fmt.Errorf("%w: unknown node tag %d", ErrInvalidEnvelopeEncoding, kind)
	}
}

func asUint(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case uint64:
		return t, true
	case int64:
		if t >= 0 {
			return uint64(t), true
		}
	}
	return 0, false
}
