package provdoc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openintegrity/goi/pkg/envelope"
	"github.com/openintegrity/goi/pkg/provenance"
)

func testMarks(t *testing.T) (*provenance.Mark, *provenance.Mark) {
	t.Helper()
	g, err := provenance.NewGenerator(provenance.ResolutionMedium, provenance.SeedSource([]byte("provdoc")))
	require.NoError(t, err)
	genesis, err := g.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	current, err := g.Next(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return genesis, current
}

func TestRenderAndParseRoundTrip(t *testing.T) {
	genesis, current := testMarks(t)
	env := envelope.New("xid:deadbeef").AddAssertion("k", "v")

	data, err := Render(env, Meta{
		DID:           "did:repo:" + strings.Repeat("ab", 20),
		CurrentMark:   current,
		InceptionMark: genesis,
		Contract:      "All changes to this repository are sealed by its provenance chain.",
	})
	require.NoError(t, err)

	h, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, current.Identifier(), h.MarkID)

	back, err := envelope.FromURString(h.EnvelopeUR)
	require.NoError(t, err)
	assert.Equal(t, env.DigestHex(), back.DigestHex())
}

func TestParseReadsOnlyHeaderBlock(t *testing.T) {
	genesis, current := testMarks(t)
	env := envelope.New("s")
	data, err := Render(env, Meta{DID: "did:repo:x", CurrentMark: current, InceptionMark: genesis})
	require.NoError(t, err)

	// Inject a decoy after the separator; the parser must ignore it.
	tampered := append(data, []byte("\nenvelope: \"ur:envelope/bogus\"\n")...)
	h, err := Parse(tampered)
	require.NoError(t, err)
	assert.NotEqual(t, "ur:envelope/bogus", h.EnvelopeUR)
}

func TestParseRejectsMissingFields(t *testing.T) {
	_, err := Parse([]byte("mark: \"00112233\"\n---\n"))
	assert.ErrorIs(t, err, ErrMalformedDocument)
	_, err = Parse([]byte("envelope: \"ur:envelope/aeae\"\n---\n"))
	assert.ErrorIs(t, err, ErrMalformedDocument)
}

func TestValidateHeader(t *testing.T) {
	genesis, current := testMarks(t)
	env := envelope.New("s").AddAssertion("a", "b")
	data, err := Render(env, Meta{DID: "did:repo:x", CurrentMark: current, InceptionMark: genesis})
	require.NoError(t, err)
	require.NoError(t, ValidateHeader(data))

	bad := []byte("envelope: \"not-a-ur\"\nmark: \"zz\"\n---\n")
	assert.ErrorIs(t, ValidateHeader(bad), ErrMalformedDocument)
}

func TestWriteAndRead(t *testing.T) {
	genesis, current := testMarks(t)
	env := envelope.New("s")
	path := filepath.Join(t.TempDir(), Dir, "GordianOpenIntegrity.yaml")

	require.NoError(t, Write(path, env, Meta{DID: "did:repo:y", CurrentMark: current, InceptionMark: genesis}))

	h, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, current.Identifier(), h.MarkID)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# Repository DID: did:repo:y")
	assert.Contains(t, string(raw), "# Current Mark: "+current.Identifier())
	assert.Contains(t, string(raw), "# Inception Mark: "+genesis.Identifier())
}
