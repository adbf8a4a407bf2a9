// Package envelope implements a content-addressed assertion tree. A node is
// a subject plus an ordered list of (predicate, object) assertions; every
// node has a deterministic SHA-256 digest. Subtrees can be elided — replaced
// by their digest — without changing any enclosing digest, so redacted and
// full forms of the same envelope remain byte-comparable at the root.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/openintegrity/goi/pkg/crypto"
)

// ErrInvalidEnvelopeEncoding is returned when a serialized envelope fails to
// parse or fails its digest discipline.
var ErrInvalidEnvelopeEncoding = errors.New("invalid envelope encoding")

// Leaf values may be string, []byte, int64, uint64, bool, or *Envelope for
// nested structure.

// Assertion is one (predicate, object) edge of an envelope node.
type Assertion struct {
	Predicate interface{}
	Object    interface{}
}

// Envelope is an immutable assertion-tree node. All mutating operations
// return a new envelope and leave the receiver unchanged.
type Envelope struct {
	subject    interface{}
	assertions []Assertion
	elided     bool
	digest     []byte // preserved digest when elided
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// New creates an envelope with the given subject and no assertions.
func New(subject interface{}) *Envelope {
	return &Envelope{subject: subject}
}

// NewElided creates a placeholder node that stands in for a subtree with the
// given digest.
func NewElided(digest []byte) *Envelope {
	d := make([]byte, len(digest))
	copy(d, digest)
	return &Envelope{elided: true, digest: d}
}

// Subject returns the node's subject, or nil for an elided node.
func (e *Envelope) Subject() interface{} {
	return e.subject
}

// IsElided reports whether this node is an elision placeholder.
func (e *Envelope) IsElided() bool {
	return e.elided
}

// Assertions returns the node's assertions in insertion order.
func (e *Envelope) Assertions() []Assertion {
	out := make([]Assertion, len(e.assertions))
	copy(out, e.assertions)
	return out
}

// AddAssertion returns a new envelope with (predicate, object) appended.
func (e *Envelope) AddAssertion(predicate, object interface{}) *Envelope {
	next := e.shallowClone()
	next.assertions = append(next.assertions, Assertion{Predicate: predicate, Object: object})
	return next
}

// RemoveAssertion returns a new envelope with every assertion whose
// predicate and object both digest-match the arguments removed.
func (e *Envelope) RemoveAssertion(predicate, object interface{}) *Envelope {
	pd := valueDigest(predicate)
	od := valueDigest(object)
	next := e.shallowClone()
	next.assertions = next.assertions[:0]
	for _, a := range e.assertions {
		if bytes.Equal(valueDigest(a.Predicate), pd) && bytes.Equal(valueDigest(a.Object), od) {
			continue
		}
		next.assertions = append(next.assertions, a)
	}
	return next
}

// ObjectsForPredicate returns the objects of every assertion whose predicate
// is the given string, in insertion order.
func (e *Envelope) ObjectsForPredicate(pred string) []interface{} {
	var out []interface{}
	pd := valueDigest(pred)
	for _, a := range e.assertions {
		if bytes.Equal(valueDigest(a.Predicate), pd) {
			out = append(out, a.Object)
		}
	}
	return out
}

// ObjectForPredicate returns the first object for pred, or nil.
func (e *Envelope) ObjectForPredicate(pred string) interface{} {
	objs := e.ObjectsForPredicate(pred)
	if len(objs) == 0 {
		return nil
	}
	return objs[0]
}

// StringForPredicate returns the first string object for pred, or "".
func (e *Envelope) StringForPredicate(pred string) string {
	if s, ok := e.ObjectForPredicate(pred).(string); ok {
		return s
	}
	return ""
}

// ElideObjects returns a new envelope in which every object of an assertion
// with the given predicate is replaced by its elision placeholder. The root
// digest is unchanged.
func (e *Envelope) ElideObjects(pred string) *Envelope {
	pd := valueDigest(pred)
	next := e.shallowClone()
	next.assertions = make([]Assertion, len(e.assertions))
	for i, a := range e.assertions {
		if bytes.Equal(valueDigest(a.Predicate), pd) {
			a.Object = NewElided(valueDigest(a.Object))
		}
		next.assertions[i] = a
	}
	return next
}

// Digest returns the node's deterministic SHA-256 digest. Elided nodes
// return their preserved digest.
func (e *Envelope) Digest() []byte {
	if e.elided {
		d := make([]byte, len(e.digest))
		copy(d, e.digest)
		return d
	}
	parts := make([][]byte, 0, len(e.assertions))
	for _, a := range e.assertions {
		parts = append(parts, assertionDigest(a))
	}
	sort.Slice(parts, func(i, j int) bool { return bytes.Compare(parts[i], parts[j]) < 0 })

	buf := bytes.NewBuffer([]byte{0x03})
	buf.Write(valueDigest(e.subject))
	for _, p := range parts {
		buf.Write(p)
	}
	return crypto.SHA256(buf.Bytes())
}

// DigestHex returns Digest as lowercase hex.
func (e *Envelope) DigestHex() string {
	return fmt.Sprintf("%x", e.Digest())
}

// Equal reports digest equality.
func (e *Envelope) Equal(other *Envelope) bool {
	if other == nil {
		return false
	}
	return bytes.Equal(e.Digest(), other.Digest())
}

func (e *Envelope) shallowClone() *Envelope {
	next := &Envelope{subject: e.subject, elided: e.elided}
	next.digest = append(next.digest, e.digest...)
	next.assertions = append(next.assertions, e.assertions...)
	return next
}

func assertionDigest(a Assertion) []byte {
	buf := bytes.NewBuffer([]byte{0x02})
	buf.Write(valueDigest(a.Predicate))
	buf.Write(valueDigest(a.Object))
	return crypto.SHA256(buf.Bytes())
}

func valueDigest(v interface{}) []byte {
	if env, ok := v.(*Envelope); ok {
		return env.Digest()
	}
	enc, err := encMode.Marshal(normalize(v))
	if err != nil {
		// Only unsupported leaf types can land here; treat their textual
		// form as the hashed content so digests stay total.
		enc = []byte(fmt.Sprintf("%v", v))
	}
	return crypto.SHA256(append([]byte{0x01}, enc...))
}

// normalize maps leaf values onto the fixed CBOR forms used for both digest
// computation and wire encoding.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return uint64(t)
	case uint32:
		return uint64(t)
	default:
		return v
	}
}
