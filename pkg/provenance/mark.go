// Package provenance implements the hash-linked mark chain that seals
// successive versions of a document. A generator deterministically derives a
// key stream from a seed; each mark carries its own chain key and a
// commitment to the next key, so a sequence of marks verifies forward-only
// and cannot be reordered or extended by anyone without the seed.
package provenance

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/openintegrity/goi/pkg/bytewords"
	"github.com/openintegrity/goi/pkg/crypto"
)

// Resolution fixes the byte width of chain keys and link commitments.
type Resolution string

const (
	ResolutionLow      Resolution = "low"
	ResolutionMedium   Resolution = "medium"
	ResolutionQuartile Resolution = "quartile"
	ResolutionHigh     Resolution = "high"
)

// LinkLen returns the link width in bytes, or 0 for an unknown resolution.
func (r Resolution) LinkLen() int {
	switch r {
	case ResolutionLow:
		return 4
	case ResolutionMedium:
		return 8
	case ResolutionQuartile:
		return 16
	case ResolutionHigh:
		return 32
	}
	return 0
}

// ErrMalformedMark is returned when a mark's fields are structurally
// inconsistent with its resolution.
var ErrMalformedMark = errors.New("malformed provenance mark")

// Mark is one link of a provenance chain.
type Mark struct {
	Res      Resolution `json:"res"`
	ChainID  []byte     `json:"chainID"`
	Key      []byte     `json:"key"`
	Seq      uint32     `json:"seq"`
	Date     time.Time  `json:"date"`
	NextHash []byte     `json:"nextHash"`
	Info     []byte     `json:"info,omitempty"`
}

// IsGenesis reports whether this is the first mark of its chain. The genesis
// mark's key is the chain ID itself.
func (m *Mark) IsGenesis() bool {
	return m.Seq == 0 && bytes.Equal(m.Key, m.ChainID)
}

// Valid checks structural consistency: known resolution and link-width
// fields. It does not check chain linkage.
func (m *Mark) Valid() error {
	n := m.Res.LinkLen()
	if n == 0 {
		return fmt.Errorf("%w: unknown resolution %q", ErrMalformedMark, m.Res)
	}
	if len(m.ChainID) != n || len(m.Key) != n || len(m.NextHash) != n {
		return fmt.Errorf("%w: field widths %d/%d/%d, want %d",
			ErrMalformedMark, len(m.ChainID), len(m.Key), len(m.NextHash), n)
	}
	if m.Date.IsZero() {
		return fmt.Errorf("%w: zero date", ErrMalformedMark)
	}
	return nil
}

// Precedes reports whether next is the immediate successor of m: sequence
// increments by one, chain ID matches, and next's key matches the
// commitment embedded in m.
func (m *Mark) Precedes(next *Mark) bool {
	if next == nil || m.Valid() != nil || next.Valid() != nil {
		return false
	}
	if next.Seq != m.Seq+1 {
		return false
	}
	if !bytes.Equal(next.ChainID, m.ChainID) {
		return false
	}
	return bytes.Equal(keyCommitment(next.Key, m.Res), m.NextHash)
}

// Fingerprint returns the full SHA-256 digest of the mark's canonical CBOR
// encoding.
func (m *Mark) Fingerprint() []byte {
	enc, err := encMode.Marshal([]interface{}{
		string(m.Res), m.ChainID, m.Key, m.Seq, m.Date.UTC().UnixMilli(), m.NextHash, m.Info,
	})
	if err != nil {
		// The field types above always marshal.
		panic(err)
	}
	return crypto.SHA256(enc)
}

// Identifier returns the short hex form of the mark's fingerprint, suitable
// for out-of-band publication.
func (m *Mark) Identifier() string {
	return fmt.Sprintf("%x", m.Fingerprint()[:4])
}

// BytewordsIdentifier returns the mark identifier as four bytewords.
func (m *Mark) BytewordsIdentifier() string {
	return bytewords.EncodeRaw(m.Fingerprint()[:4], bytewords.Standard)
}

// Clone returns a deep copy of the mark.
func (m *Mark) Clone() *Mark {
	if m == nil {
		return nil
	}
	out := &Mark{Res: m.Res, Seq: m.Seq, Date: m.Date}
	out.ChainID = append([]byte(nil), m.ChainID...)
	out.Key = append([]byte(nil), m.Key...)
	out.NextHash = append([]byte(nil), m.NextHash...)
	out.Info = append([]byte(nil), m.Info...)
	return out
}

// EncodeCBOR returns the canonical CBOR encoding of the mark, used when the
// mark is embedded in an envelope.
func (m *Mark) EncodeCBOR() ([]byte, error) {
	return encMode.Marshal(markWire{
		Res:      string(m.Res),
		ChainID:  m.ChainID,
		Key:      m.Key,
		Seq:      m.Seq,
		DateMS:   m.Date.UTC().UnixMilli(),
		NextHash: m.NextHash,
		Info:     m.Info,
	})
}

// DecodeCBOR parses a mark from its CBOR encoding.
func DecodeCBOR(data []byte) (*Mark, error) {
	var w markWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMark, err)
	}
	m := &Mark{
		Res:      Resolution(w.Res),
		ChainID:  w.ChainID,
		Key:      w.Key,
		Seq:      w.Seq,
		Date:     time.UnixMilli(w.DateMS).UTC(),
		NextHash: w.NextHash,
		Info:     w.Info,
	}
	if err := m.Valid(); err != nil {
		return nil, err
	}
	return m, nil
}

type markWire struct {
	Res      string `cbor:"1,keyasint"`
	ChainID  []byte `cbor:"2,keyasint"`
	Key      []byte `cbor:"3,keyasint"`
	Seq      uint32 `cbor:"4,keyasint"`
	DateMS   int64  `cbor:"5,keyasint"`
	NextHash []byte `cbor:"6,keyasint"`
	Info     []byte `cbor:"7,keyasint,omitempty"`
}

func keyCommitment(key []byte, res Resolution) []byte {
	return crypto.SHA256(key)[:res.LinkLen()]
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}
