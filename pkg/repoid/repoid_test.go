package repoid

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

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

func mintRepo(t *testing.T) (*vcs.Repo, *sshkey.Key, *CreateResult) {
	t.Helper()
	repo, err := vcs.Init(t.TempDir())
	require.NoError(t, err)
	signer := newSigner(t)
	res, err := Create(repo, signer, "Alice", "alice@example.com", "", nil)
	require.NoError(t, err)
	return repo, signer, res
}

func TestCreateShape(t *testing.T) {
	_, signer, res := mintRepo(t)

	assert.True(t, strings.HasPrefix(res.DID, DIDPrefix))
	assert.Len(t, res.DID, len(DIDPrefix)+40)
	assert.Equal(t, signer.Fingerprint(), res.Fingerprint)
	assert.NotEqual(t, res.CommitHash, res.FileCommitHash)
	assert.False(t, res.InceptionDate.IsZero())
}

func TestCreateWritesIdentifierFile(t *testing.T) {
	repo, _, res := mintRepo(t)

	content, err := repo.FileAtCommit(res.FileCommitHash, IdentifierFile)
	require.NoError(t, err)
	assert.Equal(t, res.DID+"\n", string(content))
}

func TestValidateFreshRepo(t *testing.T) {
	repo, _, res := mintRepo(t)

	v, err := Validate(repo, "")
	require.NoError(t, err)
	assert.True(t, v.Valid, "issues: %v", v.Issues)
	assert.Equal(t, res.DID, v.DID)
	assert.True(t, v.IsSigned)
	assert.True(t, v.IsEmpty)
	assert.True(t, v.AuthorMatch)
	assert.True(t, v.KeyMatch)
	assert.Equal(t, res.Fingerprint, v.KeyFingerprint)
	assert.Empty(t, v.Issues)
}

func TestValidateExplicitHash(t *testing.T) {
	repo, _, res := mintRepo(t)
	v, err := Validate(repo, res.CommitHash)
	require.NoError(t, err)
	assert.True(t, v.Valid, "issues: %v", v.Issues)
}

func TestValidateIgnoresLaterForeignFileRewrite(t *testing.T) {
	repo, _, _ := mintRepo(t)

	// Rewrite .repo-identifier under a different key: KeyMatch is judged on
	// the commit that introduced the file, so the rewrite does not affect it.
	other := newSigner(t)
	who := vcs.Identity{Name: "Mallory", Email: "mallory@example.com", When: time.Now().UTC()}
	_, err := repo.CreateSignedCommit(
		map[string][]byte{IdentifierFile: []byte("did:repo:0000000000000000000000000000000000000000\n")},
		vcs.WithSignOff("rewrite id", "Mallory", "mallory@example.com"),
		who, who, other, false)
	require.NoError(t, err)

	v, err := Validate(repo, "")
	require.NoError(t, err)
	// History of the file keeps the original introduction commit, so the
	// identifier still validates against the first version.
	assert.True(t, v.KeyMatch)

	ids, err := Identifiers(repo)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "did:repo:0000000000000000000000000000000000000000", ids[0])
}

func TestValidateNonEmptyRoot(t *testing.T) {
	repo, err := vcs.Init(t.TempDir())
	require.NoError(t, err)
	signer := newSigner(t)

	// An ordinary signed root commit that has files and no Signed-off-by
	// trailer.
	who := vcs.Identity{Name: "Bob", Email: "bob@example.com", When: time.Now().UTC()}
	_, err = repo.CreateSignedCommit(map[string][]byte{"README.md": []byte("hi\n")},
		"no signoff here", who, who, signer, false)
	require.NoError(t, err)

	v, err := Validate(repo, "")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.False(t, v.IsEmpty)
	assert.NotEmpty(t, v.Issues)
}

func TestValidateEmptyRepo(t *testing.T) {
	repo, err := vcs.Init(t.TempDir())
	require.NoError(t, err)

	v, err := Validate(repo, "")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Issues)
}

func TestIdentifiersNewestFirst(t *testing.T) {
	repo, signer, res := mintRepo(t)

	who := vcs.Identity{Name: "Alice", Email: "alice@example.com", When: time.Now().UTC().Add(time.Minute)}
	_, err := repo.CreateSignedCommit(
		map[string][]byte{IdentifierFile: []byte("did:repo:ffffffffffffffffffffffffffffffffffffffff\n")},
		vcs.WithSignOff("replace id", "Alice", "alice@example.com"),
		who, who, signer, false)
	require.NoError(t, err)

	ids, err := Identifiers(repo)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "did:repo:ffffffffffffffffffffffffffffffffffffffff", ids[0])
	assert.Equal(t, res.DID, ids[1])
}
