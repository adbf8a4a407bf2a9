// Package sshkey adapts OpenSSH keys to the engine's signing needs: parsing
// public and private key material, SHA-256 fingerprints, and creating and
// verifying SSH signatures in the "git" namespace.
package sshkey

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hiddeco/sshsig"
	"golang.org/x/crypto/ssh"
)

// Namespace is the SSH signature namespace git uses for commit signing.
const Namespace = "git"

var (
	// ErrNoPrivateKey is returned when a signing operation is attempted on
	// a public-only key.
	ErrNoPrivateKey = errors.New("key has no private part")

	// ErrSignatureInvalid is returned when a signature does not verify.
	ErrSignatureInvalid = errors.New("ssh signature invalid")
)

// Key wraps an SSH key pair; the private part is optional.
type Key struct {
	signer ssh.Signer
	pub    ssh.PublicKey
}

// ParsePrivate parses an OpenSSH private key (PEM).
func ParsePrivate(pemBytes []byte) (*Key, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Key{signer: signer, pub: signer.PublicKey()}, nil
}

// ParsePrivateFile parses an OpenSSH private key from a file.
func ParsePrivateFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivate(data)
}

// ParsePublic parses a single authorized_keys-format line.
func ParsePublic(line string) (*Key, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &Key{pub: pub}, nil
}

// FromSigner wraps an existing ssh.Signer.
func FromSigner(signer ssh.Signer) *Key {
	return &Key{signer: signer, pub: signer.PublicKey()}
}

// CanSign reports whether the private part is present.
func (k *Key) CanSign() bool {
	return k.signer != nil
}

// Public returns the underlying SSH public key.
func (k *Key) Public() ssh.PublicKey {
	return k.pub
}

// PublicLine returns the single-line authorized_keys form of the public key.
func (k *Key) PublicLine() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k.pub)))
}

// Fingerprint returns the SHA256:... fingerprint of the public key.
func (k *Key) Fingerprint() string {
	return ssh.FingerprintSHA256(k.pub)
}

// Sign produces an armored SSH signature over data in the git namespace.
func (k *Key) Sign(data []byte) ([]byte, error) {
	if k.signer == nil {
		return nil, ErrNoPrivateKey
	}
	sig, err := sshsig.Sign(bytes.NewReader(data), k.signer, sshsig.HashSHA512, Namespace)
	if err != nil {
		return nil, fmt.Errorf("ssh sign: %w", err)
	}
	return sshsig.Armor(sig), nil
}

// Verify checks an armored SSH signature over data against this key.
func (k *Key) Verify(data, armored []byte) error {
	sig, err := sshsig.Unarmor(armored)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if err := sshsig.Verify(bytes.NewReader(data), sig, k.pub, sig.HashAlgorithm, Namespace); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// VerifyAny checks an armored signature against each public key line and
// returns the line that verified.
func VerifyAny(data, armored []byte, pubLines []string) (string, error) {
	for _, line := range pubLines {
		k, err := ParsePublic(line)
		if err != nil {
			continue
		}
		if k.Verify(data, armored) == nil {
			return line, nil
		}
	}
	return "", ErrSignatureInvalid
}

// SignaturePublicLine extracts the signing public key embedded in an armored
// signature, in authorized_keys form.
func SignaturePublicLine(armored []byte) (string, error) {
	sig, err := sshsig.Unarmor(armored)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sig.PublicKey))), nil
}

// FirstArmorLine returns the first base64 line of an armored SSH signature
// block, the line that carries the serialized public key.
func FirstArmorLine(armored string) string {
	for _, line := range strings.Split(armored, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		return line
	}
	return ""
}

// RawKeyBytes returns the key material of an SSH public key with the
// algorithm name and field length prefixes stripped: the concatenation of
// the wire-format fields after the leading name.
func RawKeyBytes(pub ssh.PublicKey) ([]byte, error) {
	wire := pub.Marshal()
	fields, err := wireFields(wire)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("unexpected key wire format for %s", pub.Type())
	}
	var out []byte
	for _, f := range fields[1:] {
		out = append(out, f...)
	}
	return out, nil
}

func wireFields(wire []byte) ([][]byte, error) {
	var out [][]byte
	for len(wire) > 0 {
		if len(wire) < 4 {
			return nil, errors.New("truncated ssh wire field")
		}
		n := binary.BigEndian.Uint32(wire[:4])
		wire = wire[4:]
		if uint32(len(wire)) < n {
			return nil, errors.New("truncated ssh wire field body")
		}
		out = append(out, wire[:n])
		wire = wire[n:]
	}
	return out, nil
}
