package verifier

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/openintegrity/goi/pkg/integrity"
	"github.com/openintegrity/goi/pkg/sshkey"
	"github.com/openintegrity/goi/pkg/vcs"
)

func newSigner(t *testing.T) *sshkey.Key {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return sshkey.FromSigner(s)
}

func initRepo(t *testing.T) (string, *integrity.InitResult) {
	t.Helper()
	dir := t.TempDir()
	res, err := integrity.Init(integrity.InitOptions{
		Dir:            dir,
		SigningKey:     newSigner(t),
		ProvenanceSeed: []byte("verifier scenario seed"),
		AuthorName:     "Alice",
		AuthorEmail:    "alice@example.com",
	})
	require.NoError(t, err)
	return dir, res
}

func TestFreshRepoVerifies(t *testing.T) {
	dir, res := initRepo(t)

	assert.Len(t, res.DID, 49)
	assert.Equal(t, "did:repo:", res.DID[:9])

	r, err := Verify(dir, Options{})
	require.NoError(t, err)
	assert.True(t, r.Valid, "issues: %v", r.Issues)
	assert.Equal(t, 2, r.TotalCommits)
	assert.Equal(t, 1, r.ProvenanceVersions)
	assert.Equal(t, r.TotalCommits, r.ValidSignatures)
	assert.Empty(t, r.Issues)
	assert.Equal(t, res.DID, r.DID)
	assert.Equal(t, res.XID, r.XID)
}

func TestVerifyWithPublishedMark(t *testing.T) {
	dir, res := initRepo(t)

	r, err := Verify(dir, Options{Mark: res.MarkID})
	require.NoError(t, err)
	assert.True(t, r.Valid, "issues: %v", r.Issues)
	assert.True(t, r.MarkMatchesLatest)

	r, err = Verify(dir, Options{Mark: "wrong-mark"})
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.False(t, r.MarkMatchesLatest)
	requireIssueContaining(t, r.Issues, "does not match latest provenance mark")
}

func TestKeyRotationPreservesIdentity(t *testing.T) {
	dir, res := initRepo(t)
	a := res.Authoring
	m0 := res.MarkID

	kb := newSigner(t)
	_, err := a.RotateKey(kb, time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = a.CommitFiles("Update README", time.Now().Add(2*time.Second),
		map[string][]byte{"README.md": []byte("# project\n")})
	require.NoError(t, err)

	r, err := Verify(dir, Options{})
	require.NoError(t, err)
	assert.True(t, r.Valid, "issues: %v", r.Issues)
	assert.Equal(t, 2, r.ProvenanceVersions)
	assert.True(t, r.XIDStable)
	assert.Equal(t, res.XID, r.XID)
	assert.Equal(t, r.TotalCommits, r.ValidSignatures)

	m1 := a.Document().Mark().Identifier()
	require.NotEqual(t, m0, m1)

	r, err = Verify(dir, Options{Mark: m0})
	require.NoError(t, err)
	assert.False(t, r.Valid)

	r, err = Verify(dir, Options{Mark: m1})
	require.NoError(t, err)
	assert.True(t, r.Valid, "issues: %v", r.Issues)
}

func TestUnregisteredSignerFailsVerification(t *testing.T) {
	dir, _ := initRepo(t)

	// A commit signed by a key never registered in any envelope.
	repo, err := vcs.Open(dir)
	require.NoError(t, err)
	rogue := newSigner(t)
	who := vcs.Identity{Name: "Rogue", Email: "rogue@example.com", When: time.Now().UTC().Add(time.Minute)}
	_, err = repo.CreateSignedCommit(map[string][]byte{"evil.txt": []byte("payload\n")},
		vcs.WithSignOff("sneak in", "Rogue", "rogue@example.com"),
		who, who, rogue, false)
	require.NoError(t, err)

	r, err := Verify(dir, Options{})
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Equal(t, 1, r.InvalidSignatures)

	r, err = Verify(dir, Options{Strict: StrictFlags{SignersAllAuthorized: true}})
	require.NoError(t, err)
	assert.False(t, r.Valid)
	requireIssueContaining(t, r.Issues, "not authorized")
}

func TestChildDocumentVerification(t *testing.T) {
	dir, res := initRepo(t)
	a := res.Authoring

	const childPath = ".o/decisions/policy-v1.yaml"
	_, err := a.AddDocument(childPath, []byte("child seed"), time.Now().Add(time.Second))
	require.NoError(t, err)

	dr, err := VerifyDocument(dir, childPath, Options{})
	require.NoError(t, err)
	assert.True(t, dr.Valid, "issues: %v", dr.Issues)
	assert.True(t, dr.DocumentPathValid)
	assert.True(t, dr.DocumentsMapValid)

	dr, err = VerifyDocument(dir, ".o/nonexistent.yaml", Options{})
	require.NoError(t, err)
	assert.False(t, dr.Valid)
	require.Len(t, dr.Issues, 1)
	assert.Equal(t, "No provenance documents found at .o/nonexistent.yaml", dr.Issues[0])
}

func TestTrustRootResetPreservesDID(t *testing.T) {
	dir, res := initRepo(t)
	a := res.Authoring
	m0 := res.MarkID

	kb := newSigner(t)
	_, err := a.RotateKey(kb, time.Now().Add(time.Second))
	require.NoError(t, err)

	newMark, err := a.ResetTrustRoot([]byte("fresh root"), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.NotEqual(t, m0, newMark.Identifier())
	assert.Equal(t, res.DID, a.DID())

	r, err := Verify(dir, Options{Mark: newMark.Identifier()})
	require.NoError(t, err)
	assert.True(t, r.Valid, "issues: %v", r.Issues)
	assert.True(t, r.XIDStable)
	assert.Equal(t, res.DID, r.DID)
	assert.Equal(t, r.TotalCommits, r.ValidSignatures)

	r, err = Verify(dir, Options{Mark: m0})
	require.NoError(t, err)
	assert.False(t, r.Valid)
}

func TestStrictRepoIdentifierIsInceptionCommit(t *testing.T) {
	dir, _ := initRepo(t)
	r, err := Verify(dir, Options{Strict: StrictFlags{RepoIdentifierIsInceptionCommit: true}})
	require.NoError(t, err)
	assert.True(t, r.Valid, "issues: %v", r.Issues)
}

func TestCommitWithoutSignOffFlagged(t *testing.T) {
	dir, _ := initRepo(t)
	repo, err := vcs.Open(dir)
	require.NoError(t, err)

	who := vcs.Identity{Name: "Alice", Email: "alice@example.com", When: time.Now().UTC().Add(time.Minute)}
	rogue := newSigner(t)
	_, err = repo.CreateSignedCommit(map[string][]byte{"x.txt": []byte("x")},
		"no trailer", who, who, rogue, false)
	require.NoError(t, err)

	r, err := Verify(dir, Options{})
	require.NoError(t, err)
	assert.False(t, r.Valid)
	requireIssueContaining(t, r.Issues, "Signed-off-by")
}

func requireIssueContaining(t *testing.T, issues []string, substr string) {
	t.Helper()
	for _, is := range issues {
		if strings.Contains(is, substr) {
			return
		}
	}
	t.Fatalf("no issue containing %q in %v", substr, issues)
}
