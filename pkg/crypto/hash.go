// Package crypto provides the deterministic hashing and at-rest encryption
// primitives shared by the integrity engine: SHA-256 digests, RFC 8785
// canonical JSON, and the AES-256-GCM field cipher used for generator state.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// SHA256Hex returns the SHA-256 digest of data as lowercase hex.
func SHA256Hex(data []byte) string {
	return hex.EncodeToString(SHA256(data))
}

// Fingerprint8 returns the first 8 hex characters of the SHA-256 digest of
// data. Used to tag encrypted fields with the key that sealed them.
func Fingerprint8(data []byte) string {
	return SHA256Hex(data)[:8]
}

// CanonicalJSON marshals v and transforms the result into RFC 8785 canonical
// form: sorted keys, no HTML escaping, no insignificant whitespace.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical json: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}
