package xid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/openintegrity/goi/pkg/crypto"
	"github.com/openintegrity/goi/pkg/envelope"
	"github.com/openintegrity/goi/pkg/provenance"
	"github.com/openintegrity/goi/pkg/sshkey"
)

// Internal envelope predicates for document structure.
const (
	predInceptionKey     = "inceptionPublicKey"
	predKey              = "key"
	predNickname         = "nickname"
	predPermissions      = "permissions"
	predEndpoint         = "endpoint"
	predIsInception      = "isInception"
	predPrivateKeys      = "privateKeys"
	predDelegate         = "delegate"
	predSnapshot         = "snapshot"
	predService          = "service"
	predName             = "name"
	predCapability       = "capability"
	predKeyRef           = "keyRef"
	predDelegateRef      = "delegateRef"
	predResolutionMethod = "resolutionMethod"
	predProvenance       = "provenance"
	predGenerator        = "generator"
	predVerifiedBy       = "verifiedBy"

	subjectPrefix = "xid:"
)

// PredicateGenerator is the assertion predicate that carries generator state
// when a caller asks for it. Its presence inside a committed provenance
// document is a leak and is flagged by verification.
const PredicateGenerator = predGenerator

// PrivateKeyDisposition controls how private key material appears in a
// serialized envelope.
type PrivateKeyDisposition int

const (
	// PrivateKeyOmit drops private keys; the digest differs from Include.
	PrivateKeyOmit PrivateKeyDisposition = iota
	// PrivateKeyInclude embeds private keys in the clear.
	PrivateKeyInclude
	// PrivateKeyElide replaces private keys with their digests; the root
	// digest matches Include.
	PrivateKeyElide
	// PrivateKeyEncrypt substitutes a password-derived sealed form.
	PrivateKeyEncrypt
)

// GeneratorDisposition controls whether generator state is embedded.
type GeneratorDisposition int

const (
	GeneratorOmit GeneratorDisposition = iota
	GeneratorInclude
)

// SigningMode controls whether the envelope is wrapped in a signed container.
type SigningMode int

const (
	SignNone SigningMode = iota
	SignInception
	SignWithKey
)

// VerifyPolicy controls signature checking on read.
type VerifyPolicy int

const (
	VerifyNone VerifyPolicy = iota
	VerifyInception
)

// EnvelopeOptions parameterize ToEnvelope.
type EnvelopeOptions struct {
	PrivateKeys PrivateKeyDisposition
	Password    string // for PrivateKeyEncrypt
	Generator   GeneratorDisposition
	Signing     SigningMode
	SigningKey  *sshkey.Key // for SignWithKey
	Extra       [][2]string // appended as predicate/object string assertions
}

var (
	// ErrEnvelopeNotSigned is returned when verification requires a signed
	// container but the envelope has none.
	ErrEnvelopeNotSigned = errors.New("envelope is not signed")

	// ErrEnvelopeSignature is returned when a signed container fails
	// verification under the requested policy.
	ErrEnvelopeSignature = errors.New("envelope signature verification failed")
)

// ToEnvelope serializes the document.
func (d *Document) ToEnvelope(opts EnvelopeOptions) (*envelope.Envelope, error) {
	env := envelope.New(subjectPrefix + d.xid)
	env = env.AddAssertion(predInceptionKey, d.inceptionPub)

	var fc *crypto.FieldCipher
	if opts.PrivateKeys == PrivateKeyEncrypt {
		if opts.Password == "" {
			return nil, errors.New("private key encryption requires a password")
		}
		var err error
		fc, err = crypto.NewFieldCipher(crypto.DeriveKey(opts.Password))
		if err != nil {
			return nil, err
		}
	}

	for _, k := range d.keys {
		keyEnv := envelope.New(k.PublicKey)
		if k.Nickname != "" {
			keyEnv = keyEnv.AddAssertion(predNickname, k.Nickname)
		}
		keyEnv = keyEnv.AddAssertion(predPermissions, uint64(k.Permissions))
		for _, ep := range k.Endpoints {
			keyEnv = keyEnv.AddAssertion(predEndpoint, ep)
		}
		if k.IsInception {
			keyEnv = keyEnv.AddAssertion(predIsInception, true)
		}
		if k.PrivateKey != "" {
			switch opts.PrivateKeys {
			case PrivateKeyInclude:
				keyEnv = keyEnv.AddAssertion(predPrivateKeys, k.PrivateKey)
			case PrivateKeyElide:
				keyEnv = keyEnv.AddAssertion(predPrivateKeys, k.PrivateKey).ElideObjects(predPrivateKeys)
			case PrivateKeyEncrypt:
				sealed, err := fc.Encrypt(k.PrivateKey)
				if err != nil {
					return nil, fmt.Errorf("seal private key: %w", err)
				}
				keyEnv = keyEnv.AddAssertion(predPrivateKeys, sealed)
			}
		}
		env = env.AddAssertion(predKey, keyEnv)
		env = env.AddAssertion(PredicateSigningKey, k.PublicKey)
	}

	for _, del := range d.delegates {
		delEnv := envelope.New(del.XID).AddAssertion(predPermissions, uint64(del.Permissions))
		if del.Snapshot != "" {
			delEnv = delEnv.AddAssertion(predSnapshot, del.Snapshot)
		}
		env = env.AddAssertion(predDelegate, delEnv)
	}

	for _, svc := range d.services {
		svcEnv := envelope.New(svc.URI)
		if svc.Name != "" {
			svcEnv = svcEnv.AddAssertion(predName, svc.Name)
		}
		for _, c := range svc.Capabilities {
			svcEnv = svcEnv.AddAssertion(predCapability, c)
		}
		for _, ref := range svc.KeyRefs {
			svcEnv = svcEnv.AddAssertion(predKeyRef, ref)
		}
		for _, ref := range svc.DelegateRefs {
			svcEnv = svcEnv.AddAssertion(predDelegateRef, ref)
		}
		svcEnv = svcEnv.AddAssertion(predPermissions, uint64(svc.Permissions))
		env = env.AddAssertion(predService, svcEnv)
	}

	for _, m := range d.resolution {
		env = env.AddAssertion(predResolutionMethod, m)
	}

	if d.mark != nil {
		enc, err := d.mark.EncodeCBOR()
		if err != nil {
			return nil, err
		}
		env = env.AddAssertion(predProvenance, enc)
	}

	if opts.Generator == GeneratorInclude && d.gen != nil {
		state, err := d.gen.StateJSON(nil)
		if err != nil {
			return nil, err
		}
		env = env.AddAssertion(predGenerator, string(state))
	}

	for _, extra := range opts.Extra {
		env = env.AddAssertion(extra[0], extra[1])
	}

	switch opts.Signing {
	case SignNone:
		return env, nil
	case SignInception:
		k := d.InceptionKey()
		if k == nil {
			return nil, ErrInceptionKeyAbsent
		}
		if k.PrivateKey == "" {
			return nil, sshkey.ErrNoPrivateKey
		}
		signer, err := sshkey.ParsePrivate([]byte(k.PrivateKey))
		if err != nil {
			return nil, err
		}
		return signEnvelope(env, signer)
	case SignWithKey:
		if opts.SigningKey == nil {
			return nil, errors.New("SignWithKey requires a signing key")
		}
		return signEnvelope(env, opts.SigningKey)
	default:
		return nil, fmt.Errorf("unknown signing mode %d", opts.Signing)
	}
}

func signEnvelope(inner *envelope.Envelope, signer *sshkey.Key) (*envelope.Envelope, error) {
	sig, err := signer.Sign(inner.Digest())
	if err != nil {
		return nil, err
	}
	return envelope.New(inner).AddAssertion(predVerifiedBy, sig), nil
}

// FromEnvelope reconstructs a document. password opens encrypted private
// keys; policy VerifyInception requires a container signed by the key whose
// material yields the XID.
func FromEnvelope(env *envelope.Envelope, password string, policy VerifyPolicy) (*Document, error) {
	inner, signature := unwrap(env)
	if policy == VerifyInception && signature == nil {
		return nil, ErrEnvelopeNotSigned
	}

	subject, _ := inner.Subject().(string)
	if !strings.HasPrefix(subject, subjectPrefix) {
		return nil, fmt.Errorf("%w: subject %q is not an xid", envelope.ErrInvalidEnvelopeEncoding, subject)
	}
	d := &Document{xid: strings.TrimPrefix(subject, subjectPrefix)}

	incRaw, ok := inner.ObjectForPredicate(predInceptionKey).([]byte)
	if !ok || len(incRaw) < 4 {
		return nil, fmt.Errorf("%w: missing inception key material", envelope.ErrInvalidEnvelopeEncoding)
	}
	d.inceptionPub = append([]byte(nil), incRaw...)
	if hex.EncodeToString(incRaw[:4]) != d.xid {
		return nil, fmt.Errorf("%w: xid %s does not derive from inception key", envelope.ErrInvalidEnvelopeEncoding, d.xid)
	}

	var fc *crypto.FieldCipher
	if password != "" {
		var err error
		fc, err = crypto.NewFieldCipher(crypto.DeriveKey(password))
		if err != nil {
			return nil, err
		}
	}

	for _, obj := range inner.ObjectsForPredicate(predKey) {
		keyEnv, ok := obj.(*envelope.Envelope)
		if !ok || keyEnv.IsElided() {
			continue
		}
		k, err := keyFromEnvelope(keyEnv, fc)
		if err != nil {
			return nil, err
		}
		d.keys = append(d.keys, k)
	}

	for _, obj := range inner.ObjectsForPredicate(predDelegate) {
		delEnv, ok := obj.(*envelope.Envelope)
		if !ok || delEnv.IsElided() {
			continue
		}
		target, _ := delEnv.Subject().(string)
		del := &Delegate{
			XID:         target,
			Permissions: permissionFrom(delEnv.ObjectForPredicate(predPermissions)),
			Snapshot:    delEnv.StringForPredicate(predSnapshot),
		}
		d.delegates = append(d.delegates, del)
	}

	for _, obj := range inner.ObjectsForPredicate(predService) {
		svcEnv, ok := obj.(*envelope.Envelope)
		if !ok || svcEnv.IsElided() {
			continue
		}
		uri, _ := svcEnv.Subject().(string)
		svc := &Service{
			URI:         uri,
			Name:        svcEnv.StringForPredicate(predName),
			Permissions: permissionFrom(svcEnv.ObjectForPredicate(predPermissions)),
		}
		for _, c := range svcEnv.ObjectsForPredicate(predCapability) {
			if s, ok := c.(string); ok {
				svc.Capabilities = append(svc.Capabilities, s)
			}
		}
		for _, r := range svcEnv.ObjectsForPredicate(predKeyRef) {
			if s, ok := r.(string); ok {
				svc.KeyRefs = append(svc.KeyRefs, s)
			}
		}
		for _, r := range svcEnv.ObjectsForPredicate(predDelegateRef) {
			if s, ok := r.(string); ok {
				svc.DelegateRefs = append(svc.DelegateRefs, s)
			}
		}
		d.services = append(d.services, svc)
	}

	for _, obj := range inner.ObjectsForPredicate(predResolutionMethod) {
		if s, ok := obj.(string); ok {
			d.resolution = append(d.resolution, s)
		}
	}

	if raw, ok := inner.ObjectForPredicate(predProvenance).([]byte); ok {
		m, err := provenance.DecodeCBOR(raw)
		if err != nil {
			return nil, err
		}
		d.mark = m
	}

	if state := inner.StringForPredicate(predGenerator); state != "" {
		gen, err := provenance.ParseState([]byte(state), nil)
		if err != nil {
			return nil, fmt.Errorf("embedded generator state: %w", err)
		}
		d.gen = gen
	}

	if policy == VerifyInception {
		if err := verifyInceptionSignature(d, inner, signature); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// unwrap splits a signed container into its inner envelope and signature.
// Unsigned envelopes return themselves with a nil signature.
func unwrap(env *envelope.Envelope) (*envelope.Envelope, []byte) {
	inner, ok := env.Subject().(*envelope.Envelope)
	if !ok {
		return env, nil
	}
	sig, ok := env.ObjectForPredicate(predVerifiedBy).([]byte)
	if !ok {
		return env, nil
	}
	return inner, sig
}

func verifyInceptionSignature(d *Document, inner *envelope.Envelope, signature []byte) error {
	k := d.InceptionKey()
	if k == nil {
		return fmt.Errorf("%w: inception key not present in document", ErrEnvelopeSignature)
	}
	pub, err := sshkey.ParsePublic(k.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnvelopeSignature, err)
	}
	raw, err := sshkey.RawKeyBytes(pub.Public())
	if err != nil || hex.EncodeToString(raw[:4]) != d.xid {
		return fmt.Errorf("%w: signing key does not derive the xid", ErrEnvelopeSignature)
	}
	if err := pub.Verify(inner.Digest(), signature); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvelopeSignature, err)
	}
	return nil
}

func keyFromEnvelope(keyEnv *envelope.Envelope, fc *crypto.FieldCipher) (*Key, error) {
	pub, _ := keyEnv.Subject().(string)
	k := &Key{
		PublicKey:   pub,
		Nickname:    keyEnv.StringForPredicate(predNickname),
		Permissions: permissionFrom(keyEnv.ObjectForPredicate(predPermissions)),
	}
	if b, ok := keyEnv.ObjectForPredicate(predIsInception).(bool); ok {
		k.IsInception = b
	}
	for _, ep := range keyEnv.ObjectsForPredicate(predEndpoint) {
		if s, ok := ep.(string); ok {
			k.Endpoints = append(k.Endpoints, s)
		}
	}
	switch priv := keyEnv.ObjectForPredicate(predPrivateKeys).(type) {
	case string:
		if crypto.IsEncrypted(priv) {
			if fc == nil {
				// Sealed material stays sealed without the password.
				k.PrivateKey = ""
				break
			}
			plain, err := fc.Decrypt(priv)
			if err != nil {
				return nil, fmt.Errorf("open private key for %s: %w", pub, err)
			}
			k.PrivateKey = plain
			break
		}
		k.PrivateKey = priv
	case *envelope.Envelope:
		// Elided: private material absent by construction.
	}
	return k, nil
}

func permissionFrom(v interface{}) Permission {
	switch t := v.(type) {
	case uint64:
		return Permission(t)
	case int64:
		if t >= 0 {
			return Permission(t)
		}
	}
	return 0
}
