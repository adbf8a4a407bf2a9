package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAssertionIsPure(t *testing.T) {
	base := New("subject")
	d0 := base.DigestHex()

	next := base.AddAssertion("name", "Alice")
	assert.NotEqual(t, d0, next.DigestHex())
	assert.Equal(t, d0, base.DigestHex())
	assert.Empty(t, base.Assertions())
	assert.Len(t, next.Assertions(), 1)
}

func TestObjectsForPredicateInsertionOrder(t *testing.T) {
	e := New("s").
		AddAssertion("key", "first").
		AddAssertion("other", "x").
		AddAssertion("key", "second")

	objs := e.ObjectsForPredicate("key")
	require.Len(t, objs, 2)
	assert.Equal(t, "first", objs[0])
	assert.Equal(t, "second", objs[1])
	assert.Equal(t, "first", e.StringForPredicate("key"))
}

func TestDigestIgnoresAssertionOrder(t *testing.T) {
	a := New("s").AddAssertion("p1", "o1").AddAssertion("p2", "o2")
	b := New("s").AddAssertion("p2", "o2").AddAssertion("p1", "o1")
	assert.Equal(t, a.DigestHex(), b.DigestHex())
}

func TestURRoundTripPreservesDigest(t *testing.T) {
	e := New("root").
		AddAssertion("text", "hello").
		AddAssertion("count", int64(42)).
		AddAssertion("flag", true).
		AddAssertion("blob", []byte{1, 2, 3}).
		AddAssertion("child", New("inner").AddAssertion("k", "v"))

	s, err := e.URString()
	require.NoError(t, err)

	back, err := FromURString(s)
	require.NoError(t, err)
	assert.Equal(t, e.DigestHex(), back.DigestHex())
	assert.Len(t, back.Assertions(), 5)
	assert.Equal(t, "hello", back.StringForPredicate("text"))
}

func TestFromURStringRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"ur:envelope",
		"ur:envelope/zzzz",
		"ur:other/aeadaolazmjendeoti",
		"not-a-ur-at-all",
	}
	for _, c := range cases {
		_, err := FromURString(c)
		assert.ErrorIs(t, err, ErrInvalidEnvelopeEncoding, "input %q", c)
	}
}

func TestElisionPreservesRootDigest(t *testing.T) {
	e := New("doc").
		AddAssertion("public", "visible").
		AddAssertion("privateKeys", "very secret pem").
		AddAssertion("privateKeys", "another secret")

	elided := e.ElideObjects("privateKeys")
	assert.Equal(t, e.DigestHex(), elided.DigestHex())

	for _, obj := range elided.ObjectsForPredicate("privateKeys") {
		env, ok := obj.(*Envelope)
		require.True(t, ok)
		assert.True(t, env.IsElided())
	}
	assert.Equal(t, "visible", elided.StringForPredicate("public"))
}

func TestElisionSurvivesSerialization(t *testing.T) {
	e := New("doc").AddAssertion("secret", "s3cr3t").AddAssertion("open", "data")
	elided := e.ElideObjects("secret")

	s, err := elided.URString()
	require.NoError(t, err)
	back, err := FromURString(s)
	require.NoError(t, err)
	assert.Equal(t, e.DigestHex(), back.DigestHex())
}

func TestRemoveAssertion(t *testing.T) {
	e := New("s").AddAssertion("p", "a").AddAssertion("p", "b")
	removed := e.RemoveAssertion("p", "a")
	objs := removed.ObjectsForPredicate("p")
	require.Len(t, objs, 1)
	assert.Equal(t, "b", objs[0])
	// receiver unchanged
	assert.Len(t, e.ObjectsForPredicate("p"), 2)
}

func TestNestedEnvelopeSubject(t *testing.T) {
	inner := New("inner").AddAssertion("k", "v")
	wrapped := New(inner).AddAssertion("verifiedBy", []byte{9, 9})

	s, err := wrapped.URString()
	require.NoError(t, err)
	back, err := FromURString(s)
	require.NoError(t, err)

	subj, ok := back.Subject().(*Envelope)
	require.True(t, ok)
	assert.Equal(t, inner.DigestHex(), subj.DigestHex())
}

func TestFormatContainsSubjectAndElision(t *testing.T) {
	e := New("doc").AddAssertion("secret", "x").ElideObjects("secret")
	out := e.Format()
	assert.Contains(t, out, `"doc"`)
	assert.Contains(t, out, "ELIDED")
}
