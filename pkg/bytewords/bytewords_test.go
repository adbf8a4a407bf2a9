package bytewords

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordTableShape(t *testing.T) {
	seen := map[string]bool{}
	for _, w := range words {
		require.Len(t, w, 4)
		pair := w[:1] + w[3:]
		require.False(t, seen[pair], "duplicate minimal pair %q", pair)
		seen[pair] = true
	}
	assert.Len(t, seen, 256)
}

func TestRoundTripStandard(t *testing.T) {
	data := []byte{0x00, 0x01, 0xfe, 0xff, 0x42}
	enc := Encode(data, Standard)
	dec, err := Decode(enc, Standard)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestRoundTripMinimal(t *testing.T) {
	for size := 0; size < 64; size++ {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i * 7)
		}
		enc := Encode(data, Minimal)
		dec, err := Decode(enc, Minimal)
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, dec), "size %d", size)
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	enc := Encode([]byte{1, 2, 3, 4}, Minimal)
	raw, err := DecodeRaw(enc, Minimal)
	require.NoError(t, err)
	raw[0] ^= 0xff
	corrupted := EncodeRaw(raw, Minimal)
	_, err = Decode(corrupted, Minimal)
	assert.ErrorIs(t, err, ErrInvalidBytewords)
}

func TestDecodeRejectsUnknownWord(t *testing.T) {
	_, err := DecodeRaw("able nope", Standard)
	assert.ErrorIs(t, err, ErrInvalidBytewords)
}

func TestEncodeRawIdentifier(t *testing.T) {
	// 4-byte identifiers render as four words with no checksum.
	enc := EncodeRaw([]byte{0, 1, 2, 3}, Standard)
	assert.Equal(t, "able acid also apex", enc)
}
