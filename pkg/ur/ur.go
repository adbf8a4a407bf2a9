// Package ur implements the uniform-resource string form used to carry
// binary payloads in text contexts: "ur:<type>/<minimal-bytewords>". The
// payload is bytewords-minimal encoded with a trailing CRC-32 checksum.
package ur

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openintegrity/goi/pkg/bytewords"
)

const scheme = "ur"

// ErrInvalidUR is returned for strings that do not parse as a UR.
var ErrInvalidUR = errors.New("invalid ur string")

// Encode renders payload as a UR string of the given type. The type must be
// non-empty lowercase alphanumeric (hyphens allowed).
func Encode(urType string, payload []byte) (string, error) {
	if !validType(urType) {
		return "", fmt.Errorf("%w: bad type %q", ErrInvalidUR, urType)
	}
	return scheme + ":" + urType + "/" + bytewords.Encode(payload, bytewords.Minimal), nil
}

// Decode parses a UR string, returning its type and payload.
func Decode(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(strings.ToLower(s), scheme+":")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing %q scheme", ErrInvalidUR, scheme)
	}
	urType, body, ok := strings.Cut(rest, "/")
	if !ok || !validType(urType) {
		return "", nil, fmt.Errorf("%w: missing type separator", ErrInvalidUR)
	}
	payload, err := bytewords.Decode(body, bytewords.Minimal)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidUR, err)
	}
	return urType, payload, nil
}

func validType(t string) bool {
	if t == "" {
		return false
	}
	for _, c := range t {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}
