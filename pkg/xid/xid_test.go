package xid

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/openintegrity/goi/pkg/envelope"
	"github.com/openintegrity/goi/pkg/provenance"
	"github.com/openintegrity/goi/pkg/sshkey"
)

type testPair struct {
	key *sshkey.Key
	pem string
}

func newPair(t *testing.T) testPair {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(block)
	k, err := sshkey.ParsePrivate(pemBytes)
	require.NoError(t, err)
	return testPair{key: k, pem: string(pemBytes)}
}

func newDoc(t *testing.T) (*Document, testPair) {
	t.Helper()
	p := newPair(t)
	d, err := New(p.key, "inception")
	require.NoError(t, err)
	d.InceptionKey().PrivateKey = p.pem
	return d, p
}

func TestXIDDerivation(t *testing.T) {
	d, p := newDoc(t)
	assert.Len(t, d.XID(), 8)

	raw, err := sshkey.RawKeyBytes(p.key.Public())
	require.NoError(t, err)
	assert.Equal(t, raw[:4], d.InceptionKeyBytes()[:4])
}

func TestAddKeyRejectsDuplicates(t *testing.T) {
	d, _ := newDoc(t)
	p2 := newPair(t)
	require.NoError(t, d.AddKey(&Key{PublicKey: p2.key.PublicLine(), Permissions: PermSign}))
	err := d.AddKey(&Key{PublicKey: p2.key.PublicLine()})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestRemoveKeyBlockedByServiceReference(t *testing.T) {
	d, _ := newDoc(t)
	p2 := newPair(t)
	require.NoError(t, d.AddKey(&Key{PublicKey: p2.key.PublicLine(), Permissions: PermSign}))
	require.NoError(t, d.AddService(&Service{
		URI:     "https://example.com/api",
		KeyRefs: []string{p2.key.PublicLine()},
	}))

	err := d.RemoveKey(p2.key.PublicLine())
	assert.ErrorIs(t, err, ErrKeyReferenced)

	require.NoError(t, d.RemoveService("https://example.com/api"))
	require.NoError(t, d.RemoveKey(p2.key.PublicLine()))
}

func TestServiceRejectsUnknownRefs(t *testing.T) {
	d, _ := newDoc(t)
	err := d.AddService(&Service{URI: "https://x", KeyRefs: []string{"ssh-ed25519 AAAA unknown"}})
	assert.ErrorIs(t, err, ErrUnknownRef)
	err = d.AddService(&Service{URI: "https://x", DelegateRefs: []string{"00000000"}})
	assert.ErrorIs(t, err, ErrUnknownRef)
}

func TestRemoveInceptionKeyRequiresAnotherAll(t *testing.T) {
	d, _ := newDoc(t)
	assert.ErrorIs(t, d.RemoveInceptionKey(), ErrRotationWouldOrphan)

	p2 := newPair(t)
	require.NoError(t, d.AddKey(&Key{PublicKey: p2.key.PublicLine(), Permissions: PermSign}))
	assert.ErrorIs(t, d.RemoveInceptionKey(), ErrRotationWouldOrphan)

	d.KeyByPublic(p2.key.PublicLine()).Permissions = PermAll
	require.NoError(t, d.RemoveInceptionKey())
	assert.ErrorIs(t, d.RemoveInceptionKey(), ErrInceptionKeyAbsent)
}

func TestRotatePreservesXID(t *testing.T) {
	d, _ := newDoc(t)
	before := d.XID()

	p2 := newPair(t)
	require.NoError(t, d.Rotate(&Key{PublicKey: p2.key.PublicLine(), PrivateKey: p2.pem}))
	assert.Equal(t, before, d.XID())
	assert.Nil(t, d.InceptionKey())
	require.Len(t, d.Keys(), 1)
	assert.True(t, d.Keys()[0].Permissions.Has(PermAll))
}

func TestProvenanceLifecycle(t *testing.T) {
	d, _ := newDoc(t)
	gen, err := provenance.NewGenerator(provenance.ResolutionMedium, provenance.SeedSource([]byte("doc")))
	require.NoError(t, err)

	_, err = d.AdvanceProvenance(time.Now())
	assert.ErrorIs(t, err, ErrProvenanceNotEnabled)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d.EnableProvenance(gen, t0))
	require.True(t, d.Mark().IsGenesis())

	_, err = d.AdvanceProvenance(t0.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrDateRegression)

	m1, err := d.AdvanceProvenance(t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, m1.Seq)
}

func TestCloneIsDeep(t *testing.T) {
	d, _ := newDoc(t)
	gen, err := provenance.NewGenerator(provenance.ResolutionMedium, provenance.SeedSource([]byte("clone")))
	require.NoError(t, err)
	require.NoError(t, d.EnableProvenance(gen, time.Now()))

	snap := d.Clone()
	d.InceptionKey().Nickname = "renamed"
	d.AddResolutionMethod("method-1")
	_, err = d.AdvanceProvenance(time.Now())
	require.NoError(t, err)

	assert.Equal(t, "inception", snap.InceptionKey().Nickname)
	assert.Empty(t, snap.ResolutionMethods())
	assert.EqualValues(t, 0, snap.Mark().Seq)
}

func TestEnvelopeRoundTripWithPrivateKeys(t *testing.T) {
	d, _ := newDoc(t)
	d.AddResolutionMethod("https://resolver.example.com")
	require.NoError(t, d.AddDelegate(&Delegate{XID: "cafef00d", Permissions: PermVerify}))
	require.NoError(t, d.AddService(&Service{
		URI:          "https://svc.example.com",
		Name:         "repo",
		Capabilities: []string{"verify"},
		DelegateRefs: []string{"cafef00d"},
		Permissions:  PermAccess,
	}))

	env, err := d.ToEnvelope(EnvelopeOptions{PrivateKeys: PrivateKeyInclude})
	require.NoError(t, err)

	s, err := env.URString()
	require.NoError(t, err)
	parsed, err := envelope.FromURString(s)
	require.NoError(t, err)
	back, err := FromEnvelope(parsed, "", VerifyNone)
	require.NoError(t, err)

	assert.Equal(t, d.XID(), back.XID())
	require.Len(t, back.Keys(), 1)
	assert.Equal(t, d.InceptionKey().PrivateKey, back.Keys()[0].PrivateKey)
	require.Len(t, back.Delegates(), 1)
	require.Len(t, back.Services(), 1)
	assert.Equal(t, []string{"cafef00d"}, back.Services()[0].DelegateRefs)

	env2, err := back.ToEnvelope(EnvelopeOptions{PrivateKeys: PrivateKeyInclude})
	require.NoError(t, err)
	assert.Equal(t, env.DigestHex(), env2.DigestHex())
}

func TestPrivateKeyDispositions(t *testing.T) {
	d, _ := newDoc(t)

	include, err := d.ToEnvelope(EnvelopeOptions{PrivateKeys: PrivateKeyInclude})
	require.NoError(t, err)
	elide, err := d.ToEnvelope(EnvelopeOptions{PrivateKeys: PrivateKeyElide})
	require.NoError(t, err)
	omit, err := d.ToEnvelope(EnvelopeOptions{PrivateKeys: PrivateKeyOmit})
	require.NoError(t, err)

	assert.Equal(t, include.DigestHex(), elide.DigestHex())
	assert.NotEqual(t, include.DigestHex(), omit.DigestHex())

	// Elided material is gone from the serialized form.
	back, err := FromEnvelope(elide, "", VerifyNone)
	require.NoError(t, err)
	assert.Empty(t, back.Keys()[0].PrivateKey)
}

func TestPrivateKeyEncryptRoundTrip(t *testing.T) {
	d, _ := newDoc(t)
	env, err := d.ToEnvelope(EnvelopeOptions{PrivateKeys: PrivateKeyEncrypt, Password: "open sesame"})
	require.NoError(t, err)

	locked, err := FromEnvelope(env, "", VerifyNone)
	require.NoError(t, err)
	assert.Empty(t, locked.Keys()[0].PrivateKey)

	opened, err := FromEnvelope(env, "open sesame", VerifyNone)
	require.NoError(t, err)
	assert.Equal(t, d.InceptionKey().PrivateKey, opened.Keys()[0].PrivateKey)
}

func TestSignedEnvelopeVerification(t *testing.T) {
	d, _ := newDoc(t)
	env, err := d.ToEnvelope(EnvelopeOptions{PrivateKeys: PrivateKeyInclude, Signing: SignInception})
	require.NoError(t, err)

	_, err = FromEnvelope(env, "", VerifyInception)
	require.NoError(t, err)

	unsigned, err := d.ToEnvelope(EnvelopeOptions{PrivateKeys: PrivateKeyInclude})
	require.NoError(t, err)
	_, err = FromEnvelope(unsigned, "", VerifyInception)
	assert.ErrorIs(t, err, ErrEnvelopeNotSigned)
}

func TestSignedEnvelopeRejectsForeignSigner(t *testing.T) {
	d, _ := newDoc(t)
	other := newPair(t)
	env, err := d.ToEnvelope(EnvelopeOptions{
		PrivateKeys: PrivateKeyInclude,
		Signing:     SignWithKey,
		SigningKey:  other.key,
	})
	require.NoError(t, err)

	_, err = FromEnvelope(env, "", VerifyInception)
	assert.ErrorIs(t, err, ErrEnvelopeSignature)
}

func TestPermissionsString(t *testing.T) {
	p := PermAll | PermSign
	assert.Equal(t, "All|Sign", p.String())
	assert.Equal(t, p, ParsePermission("All|Sign"))
	assert.Equal(t, "None", Permission(0).String())
}
