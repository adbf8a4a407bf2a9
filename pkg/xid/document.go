// Package xid implements the extensible identity document at the center of
// the integrity engine. A document is identified by its XID — the first four
// bytes of the inception signing key's raw public key material — and carries
// an ordered key set with per-key permissions, delegates, services,
// resolution methods, and at most one current provenance mark.
package xid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/openintegrity/goi/pkg/provenance"
	"github.com/openintegrity/goi/pkg/sshkey"
)

// Predicate strings shared between the authoring and verification paths.
const (
	PredicateSigningKey           = "GordianOpenIntegrity.SigningKey"
	PredicateRepositoryIdentifier = "GordianOpenIntegrity.RepositoryIdentifier"
	PredicateDocument             = "GordianOpenIntegrity.Document"
	PredicateDocuments            = "GordianOpenIntegrity.Documents"
)

var (
	// ErrRotationWouldOrphan is returned when removing the inception key
	// would leave the document without an All-permissioned key.
	ErrRotationWouldOrphan = errors.New("rotation would orphan the document: no remaining key with All permission")

	// ErrInceptionKeyAbsent is returned when the inception key has already
	// been removed.
	ErrInceptionKeyAbsent = errors.New("inception key is not present")

	// ErrKeyReferenced is returned when removing a key a service still
	// references.
	ErrKeyReferenced = errors.New("key is referenced by a service")

	// ErrDelegateReferenced is returned when removing a delegate a service
	// still references.
	ErrDelegateReferenced = errors.New("delegate is referenced by a service")

	// ErrUnknownRef is returned when a service references a key or delegate
	// the document does not hold.
	ErrUnknownRef = errors.New("service references unknown key or delegate")

	// ErrDuplicateKey is returned when adding a key already present.
	ErrDuplicateKey = errors.New("key already present")

	// ErrKeyNotFound is returned for operations on an absent key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrProvenanceNotEnabled is returned when advancing a document with no
	// generator attached.
	ErrProvenanceNotEnabled = errors.New("provenance is not enabled on this document")

	// ErrDateRegression is returned when a mark would be minted with a date
	// earlier than the current mark's.
	ErrDateRegression = errors.New("mark date precedes current mark")
)

// Key is one signing key held by the document.
type Key struct {
	PublicKey   string // authorized_keys line
	PrivateKey  string // optional OpenSSH PEM
	Nickname    string
	Permissions Permission
	Endpoints   []string
	IsInception bool
}

// Delegate references another XID document and narrows its permissions.
type Delegate struct {
	XID         string // target document's XID, hex
	Permissions Permission
	Snapshot    string // optional UR of the target document at reference time
}

// Service is an endpoint the document advertises. Keys and delegates are
// referenced by identifier, never by owning pointer.
type Service struct {
	URI          string
	Name         string
	Capabilities []string
	KeyRefs      []string // public key lines
	DelegateRefs []string // delegate XIDs
	Permissions  Permission
}

// Document is a mutable, single-author identity document.
type Document struct {
	xid          string
	inceptionPub []byte // raw inception key material; retained across rotation
	keys         []*Key
	delegates    []*Delegate
	services     []*Service
	resolution   []string
	mark         *provenance.Mark
	gen          *provenance.Generator
}

// New creates a document whose XID derives from the inception key. The
// inception key is granted All.
func New(inception *sshkey.Key, nickname string) (*Document, error) {
	raw, err := sshkey.RawKeyBytes(inception.Public())
	if err != nil {
		return nil, fmt.Errorf("derive xid: %w", err)
	}
	if len(raw) < 4 {
		return nil, errors.New("inception key material too short for xid derivation")
	}
	d := &Document{
		xid:          hex.EncodeToString(raw[:4]),
		inceptionPub: append([]byte(nil), raw...),
	}
	d.keys = append(d.keys, &Key{
		PublicKey:   inception.PublicLine(),
		Nickname:    nickname,
		Permissions: PermAll,
		IsInception: true,
	})
	return d, nil
}

// XID returns the document's stable identifier, 8 hex chars.
func (d *Document) XID() string {
	return d.xid
}

// InceptionKeyBytes returns the retained raw inception key material.
func (d *Document) InceptionKeyBytes() []byte {
	return append([]byte(nil), d.inceptionPub...)
}

// Keys returns the document's keys in insertion order.
func (d *Document) Keys() []*Key {
	out := make([]*Key, len(d.keys))
	copy(out, d.keys)
	return out
}

// KeyByPublic returns the key with the given public line, or nil.
func (d *Document) KeyByPublic(line string) *Key {
	for _, k := range d.keys {
		if k.PublicKey == line {
			return k
		}
	}
	return nil
}

// KeyByNickname returns the first key with the given nickname, or nil.
func (d *Document) KeyByNickname(nick string) *Key {
	for _, k := range d.keys {
		if k.Nickname == nick {
			return k
		}
	}
	return nil
}

// InceptionKey returns the inception key if still present.
func (d *Document) InceptionKey() *Key {
	for _, k := range d.keys {
		if k.IsInception {
			return k
		}
	}
	return nil
}

// AddKey appends a key.
func (d *Document) AddKey(k *Key) error {
	if k.IsInception {
		return errors.New("only the document constructor may install an inception key")
	}
	if d.KeyByPublic(k.PublicKey) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, k.PublicKey)
	}
	d.keys = append(d.keys, k)
	return nil
}

// RemoveKey removes a non-inception key that no service references.
func (d *Document) RemoveKey(publicLine string) error {
	k := d.KeyByPublic(publicLine)
	if k == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, publicLine)
	}
	if k.IsInception {
		return errors.New("use RemoveInceptionKey to rotate the inception key")
	}
	if svc := d.serviceReferencingKey(publicLine); svc != nil {
		return fmt.Errorf("%w: %s", ErrKeyReferenced, svc.URI)
	}
	d.deleteKey(publicLine)
	return nil
}

// RemoveInceptionKey removes the inception key. This can happen at most once
// and only while another All-permissioned key remains; the XID is unaffected
// because it derives from the retained inception key bytes.
func (d *Document) RemoveInceptionKey() error {
	k := d.InceptionKey()
	if k == nil {
		return ErrInceptionKeyAbsent
	}
	if svc := d.serviceReferencingKey(k.PublicKey); svc != nil {
		return fmt.Errorf("%w: %s", ErrKeyReferenced, svc.URI)
	}
	hasOtherAll := false
	for _, other := range d.keys {
		if !other.IsInception && other.Permissions.Has(PermAll) {
			hasOtherAll = true
			break
		}
	}
	if !hasOtherAll {
		return ErrRotationWouldOrphan
	}
	d.deleteKey(k.PublicKey)
	return nil
}

// Rotate installs newKey with All permissions and removes the inception key.
func (d *Document) Rotate(newKey *Key) error {
	newKey.Permissions |= PermAll
	if err := d.AddKey(newKey); err != nil {
		return err
	}
	if err := d.RemoveInceptionKey(); err != nil {
		d.deleteKey(newKey.PublicKey)
		return err
	}
	return nil
}

// Delegates returns the document's delegates in insertion order.
func (d *Document) Delegates() []*Delegate {
	out := make([]*Delegate, len(d.delegates))
	copy(out, d.delegates)
	return out
}

// DelegateByXID returns the delegate targeting the given XID, or nil.
func (d *Document) DelegateByXID(x string) *Delegate {
	for _, del := range d.delegates {
		if del.XID == x {
			return del
		}
	}
	return nil
}

// AddDelegate appends a delegate.
func (d *Document) AddDelegate(del *Delegate) error {
	if d.DelegateByXID(del.XID) != nil {
		return fmt.Errorf("delegate %s already present", del.XID)
	}
	d.delegates = append(d.delegates, del)
	return nil
}

// RemoveDelegate removes a delegate that no service references.
func (d *Document) RemoveDelegate(x string) error {
	if d.DelegateByXID(x) == nil {
		return fmt.Errorf("delegate %s not found", x)
	}
	for _, svc := range d.services {
		for _, ref := range svc.DelegateRefs {
			if ref == x {
				return fmt.Errorf("%w: %s", ErrDelegateReferenced, svc.URI)
			}
		}
	}
	kept := d.delegates[:0]
	for _, del := range d.delegates {
		if del.XID != x {
			kept = append(kept, del)
		}
	}
	d.delegates = kept
	return nil
}

// Services returns the document's services in insertion order.
func (d *Document) Services() []*Service {
	out := make([]*Service, len(d.services))
	copy(out, d.services)
	return out
}

// AddService appends a service after checking every referenced key and
// delegate exists.
func (d *Document) AddService(svc *Service) error {
	for _, ref := range svc.KeyRefs {
		if d.KeyByPublic(ref) == nil {
			return fmt.Errorf("%w: key %s", ErrUnknownRef, ref)
		}
	}
	for _, ref := range svc.DelegateRefs {
		if d.DelegateByXID(ref) == nil {
			return fmt.Errorf("%w: delegate %s", ErrUnknownRef, ref)
		}
	}
	d.services = append(d.services, svc)
	return nil
}

// RemoveService removes the service with the given URI.
func (d *Document) RemoveService(uri string) error {
	kept := d.services[:0]
	found := false
	for _, svc := range d.services {
		if svc.URI == uri {
			found = true
			continue
		}
		kept = append(kept, svc)
	}
	if !found {
		return fmt.Errorf("service %s not found", uri)
	}
	d.services = kept
	return nil
}

// ResolutionMethods returns the document's resolution methods.
func (d *Document) ResolutionMethods() []string {
	return append([]string(nil), d.resolution...)
}

// AddResolutionMethod appends an opaque resolution method string.
func (d *Document) AddResolutionMethod(m string) {
	d.resolution = append(d.resolution, m)
}

// RemoveResolutionMethod removes a resolution method.
func (d *Document) RemoveResolutionMethod(m string) {
	kept := d.resolution[:0]
	for _, r := range d.resolution {
		if r != m {
			kept = append(kept, r)
		}
	}
	d.resolution = kept
}

// Mark returns the current provenance mark, or nil.
func (d *Document) Mark() *provenance.Mark {
	return d.mark
}

// Generator returns the attached provenance generator, or nil.
func (d *Document) Generator() *provenance.Generator {
	return d.gen
}

// AttachGenerator rebinds the generator after a document round-trips
// through its serialized form, which never carries generator state.
func (d *Document) AttachGenerator(gen *provenance.Generator) {
	d.gen = gen
}

// EnableProvenance attaches a generator and mints the genesis mark.
func (d *Document) EnableProvenance(gen *provenance.Generator, date time.Time) error {
	if d.mark != nil {
		return errors.New("provenance already enabled")
	}
	m, err := gen.Next(date)
	if err != nil {
		return err
	}
	d.gen = gen
	d.mark = m
	return nil
}

// AdvanceProvenance mints the next mark for the given date. The date must
// not precede the current mark's date.
func (d *Document) AdvanceProvenance(date time.Time) (*provenance.Mark, error) {
	if d.gen == nil || d.mark == nil {
		return nil, ErrProvenanceNotEnabled
	}
	if date.Before(d.mark.Date) {
		return nil, fmt.Errorf("%w: %s < %s", ErrDateRegression,
			date.UTC().Format(time.RFC3339), d.mark.Date.Format(time.RFC3339))
	}
	m, err := d.gen.Next(date)
	if err != nil {
		return nil, err
	}
	d.mark = m
	return m, nil
}

// ResetTrustRoot replaces the generator with a fresh one and mints a new
// genesis mark. The XID and key set are untouched.
func (d *Document) ResetTrustRoot(gen *provenance.Generator, date time.Time) (*provenance.Mark, error) {
	m, err := gen.Next(date)
	if err != nil {
		return nil, err
	}
	d.gen = gen
	d.mark = m
	return m, nil
}

// Clone returns a deep copy sharing no mutable state with the receiver. The
// generator reference is shared: generator state advances globally, not per
// snapshot.
func (d *Document) Clone() *Document {
	out := &Document{
		xid:          d.xid,
		inceptionPub: append([]byte(nil), d.inceptionPub...),
		resolution:   append([]string(nil), d.resolution...),
		mark:         d.mark.Clone(),
		gen:          d.gen,
	}
	for _, k := range d.keys {
		kc := *k
		kc.Endpoints = append([]string(nil), k.Endpoints...)
		out.keys = append(out.keys, &kc)
	}
	for _, del := range d.delegates {
		dc := *del
		out.delegates = append(out.delegates, &dc)
	}
	for _, svc := range d.services {
		sc := *svc
		sc.Capabilities = append([]string(nil), svc.Capabilities...)
		sc.KeyRefs = append([]string(nil), svc.KeyRefs...)
		sc.DelegateRefs = append([]string(nil), svc.DelegateRefs...)
		out.services = append(out.services, &sc)
	}
	return out
}

func (d *Document) serviceReferencingKey(publicLine string) *Service {
	for _, svc := range d.services {
		for _, ref := range svc.KeyRefs {
			if ref == publicLine {
				return svc
			}
		}
	}
	return nil
}

func (d *Document) deleteKey(publicLine string) {
	kept := d.keys[:0]
	for _, k := range d.keys {
		if k.PublicKey != publicLine {
			kept = append(kept, k)
		}
	}
	d.keys = kept
}
