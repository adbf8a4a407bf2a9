package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Cipher format for encrypted fields at rest:
//
//	aes-256-gcm:<8-char-hex-fingerprint-of-key>:<base64(iv || ciphertext || tag)>
//
// The IV is 12 bytes, the GCM tag 16 bytes.
const (
	cipherScheme = "aes-256-gcm"
	gcmIVSize    = 12

	kdfIterations = 210_000
	kdfSalt       = "GordianOpenIntegrity.generator"
)

var (
	// ErrKeyMismatch is returned when a field was sealed by a different key
	// than the one configured.
	ErrKeyMismatch = errors.New("encrypted field was sealed by a different key")

	// ErrMalformedCipherField is returned when a field does not match the
	// scheme:fingerprint:payload form.
	ErrMalformedCipherField = errors.New("malformed encrypted field")
)

// FieldCipher seals and opens individual string fields with AES-256-GCM.
type FieldCipher struct {
	key [32]byte
	fp  string
}

// NewFieldCipher builds a FieldCipher from a 32-byte key.
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("field cipher requires a 32-byte key, got %d", len(key))
	}
	fc := &FieldCipher{fp: Fingerprint8(key)}
	copy(fc.key[:], key)
	return fc, nil
}

// DeriveKey stretches a passphrase into a 32-byte cipher key. The iteration
// count is fixed so that a given passphrase always yields the same key.
func DeriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(kdfSalt), kdfIterations, 32, sha256.New)
}

// Fingerprint returns the 8-hex-char fingerprint of the cipher key.
func (c *FieldCipher) Fingerprint() string {
	return c.fp
}

// Encrypt seals plain into the cipher field form.
func (c *FieldCipher) Encrypt(plain string) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cipher iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plain), nil)
	payload := append(iv, sealed...)
	return cipherScheme + ":" + c.fp + ":" + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt opens a cipher field produced by Encrypt. Plaintext fields (no
// scheme prefix) are returned unchanged, so callers can decrypt
// opportunistically.
func (c *FieldCipher) Decrypt(field string) (string, error) {
	if !IsEncrypted(field) {
		return field, nil
	}
	parts := strings.SplitN(field, ":", 3)
	if len(parts) != 3 {
		return "", ErrMalformedCipherField
	}
	if parts[1] != c.fp {
		return "", fmt.Errorf("%w: field sealed by %s, cipher key is %s", ErrKeyMismatch, parts[1], c.fp)
	}
	payload, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCipherField, err)
	}
	if len(payload) < gcmIVSize+16 {
		return "", ErrMalformedCipherField
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, payload[:gcmIVSize], payload[gcmIVSize:], nil)
	if err != nil {
		return "", fmt.Errorf("field decrypt: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether field carries the cipher scheme prefix.
func IsEncrypted(field string) bool {
	return strings.HasPrefix(field, cipherScheme+":")
}
