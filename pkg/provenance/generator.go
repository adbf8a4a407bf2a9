package provenance

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/openintegrity/goi/pkg/crypto"
)

const (
	hkdfSalt = "GordianOpenIntegrity"
	hkdfInfo = "provenance-rng"
)

// Source supplies the generator seed.
type Source struct {
	seed []byte
}

// RandomSource draws a fresh 32-byte seed from the system RNG.
func RandomSource() (Source, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return Source{}, fmt.Errorf("generator seed: %w", err)
	}
	return Source{seed: seed}, nil
}

// SeedSource uses the given bytes, hashed down to 32 bytes.
func SeedSource(b []byte) Source {
	return Source{seed: crypto.SHA256(b)}
}

// PassphraseSource stretches a passphrase into the seed.
func PassphraseSource(passphrase string) Source {
	return Source{seed: crypto.DeriveKey(passphrase)}
}

// Generator deterministically mints the marks of one chain. The key stream
// is a ChaCha20 stream keyed from the seed; mark i's chain key is the i-th
// link-width window of the stream, and the chain ID is key 0.
type Generator struct {
	res     Resolution
	seed    []byte
	rngKey  []byte
	chainID []byte
	nextSeq uint32
}

// NewGenerator derives a generator from a resolution and a seed source.
func NewGenerator(res Resolution, src Source) (*Generator, error) {
	if res.LinkLen() == 0 {
		return nil, fmt.Errorf("unknown resolution %q", res)
	}
	if len(src.seed) != 32 {
		return nil, errors.New("generator source has no seed")
	}
	g := &Generator{res: res, seed: append([]byte(nil), src.seed...)}
	rngKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, g.seed, []byte(hkdfSalt), []byte(hkdfInfo)), rngKey); err != nil {
		return nil, fmt.Errorf("generator rng derivation: %w", err)
	}
	g.rngKey = rngKey
	chainID, err := g.keyAt(0)
	if err != nil {
		return nil, err
	}
	g.chainID = chainID
	return g, nil
}

// Resolution returns the generator's resolution.
func (g *Generator) Resolution() Resolution {
	return g.res
}

// ChainID returns the chain identifier all marks of this generator share.
func (g *Generator) ChainID() []byte {
	return append([]byte(nil), g.chainID...)
}

// NextSeq returns the sequence number the next call to Next will mint.
func (g *Generator) NextSeq() uint32 {
	return g.nextSeq
}

// Next mints the next mark of the chain for the given date. Sequence numbers
// increase strictly by one per call. Date monotonicity is the caller's
// responsibility.
func (g *Generator) Next(date time.Time) (*Mark, error) {
	seq := g.nextSeq
	key, err := g.keyAt(seq)
	if err != nil {
		return nil, err
	}
	nextKey, err := g.keyAt(seq + 1)
	if err != nil {
		return nil, err
	}
	m := &Mark{
		Res:      g.res,
		ChainID:  g.ChainID(),
		Key:      key,
		Seq:      seq,
		Date:     date.UTC().Truncate(time.Millisecond),
		NextHash: keyCommitment(nextKey, g.res),
	}
	g.nextSeq++
	return m, nil
}

// keyAt returns chain key i: the i-th link-width window of the stream.
func (g *Generator) keyAt(i uint32) ([]byte, error) {
	n := g.res.LinkLen()
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(g.rngKey, nonce)
	if err != nil {
		return nil, fmt.Errorf("generator stream: %w", err)
	}
	offset := uint64(i) * uint64(n)
	c.SetCounter(uint32(offset / 64))
	skip := int(offset % 64)
	buf := make([]byte, skip+n)
	c.XORKeyStream(buf, buf)
	return buf[skip:], nil
}
