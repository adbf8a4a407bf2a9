// Package ledger maintains the append-only sequence of XID document
// revisions. Each revision is a labelled deep snapshot of the document plus
// the provenance mark minted for it. The ledger optionally mirrors every
// commit to disk: the provenance YAML document, the generator state file,
// and a JSON archive of marks.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openintegrity/goi/pkg/crypto"
	"github.com/openintegrity/goi/pkg/provdoc"
	"github.com/openintegrity/goi/pkg/provenance"
	"github.com/openintegrity/goi/pkg/xid"
)

var (
	// ErrProvenanceRequired is returned when a ledger is created over a
	// document that has no genesis mark.
	ErrProvenanceRequired = errors.New("document has no provenance mark; enable provenance before opening a ledger")

	// ErrXIDMismatch is returned when a commit presents a document whose
	// XID differs from the ledger's.
	ErrXIDMismatch = errors.New("document xid does not match ledger xid")
)

// GenesisLabel names the first revision of every ledger.
const GenesisLabel = "genesis"

// Options configure persistence and the assertions stamped into the
// serialized envelope.
type Options struct {
	// StoreDir, when set, receives generator.json and marks/mark-<seq>.json.
	StoreDir string
	// DocumentPath, when set, is rewritten with the provenance YAML after
	// every commit.
	DocumentPath string
	// SelfRef is the repo-relative path recorded in the document's
	// self-reference assertion.
	SelfRef string
	// GeneratorPath, when set, receives the generator state file.
	GeneratorPath string
	// EncryptionKey, when set, seals the generator's sensitive fields.
	EncryptionKey []byte
	// Assertions are extra predicate/object pairs for the envelope.
	Assertions [][2]string
	// Contract is the human-readable contract line of the YAML document.
	Contract string
	// RepositoryDID binds the envelope to a repository identifier.
	RepositoryDID string

	Logger *slog.Logger
}

// Revision is one sealed ledger entry.
type Revision struct {
	ID       string
	Seq      uint32
	Label    string
	Date     time.Time
	Document *xid.Document
	Mark     *provenance.Mark
}

// Ledger is an append-only revision log for one XID.
type Ledger struct {
	xid       string
	revisions []*Revision
	opts      Options
	fc        *crypto.FieldCipher
	log       *slog.Logger
}

// Create opens a ledger over doc and seals the genesis revision. The
// document must already carry its genesis mark.
func Create(doc *xid.Document, opts Options) (*Ledger, error) {
	m := doc.Mark()
	if m == nil || !m.IsGenesis() {
		return nil, ErrProvenanceRequired
	}
	l := &Ledger{xid: doc.XID(), opts: opts, log: opts.Logger}
	if l.log == nil {
		l.log = slog.Default()
	}
	if len(opts.EncryptionKey) > 0 {
		fc, err := crypto.NewFieldCipher(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		l.fc = fc
	}
	if err := l.persist(doc, m, m); err != nil {
		return nil, err
	}
	l.append(GenesisLabel, m.Date, doc, m)
	return l, nil
}

// XID returns the ledger's identity.
func (l *Ledger) XID() string {
	return l.xid
}

// Commit advances the document's provenance for date and seals a new
// revision. Files are written before the revision is appended, so a failed
// commit leaves the ledger unchanged and a retried commit reproduces the
// same bytes.
func (l *Ledger) Commit(doc *xid.Document, label string, date time.Time) (*Revision, error) {
	if doc.XID() != l.xid {
		return nil, fmt.Errorf("%w: %s vs %s", ErrXIDMismatch, doc.XID(), l.xid)
	}
	m, err := doc.AdvanceProvenance(date)
	if err != nil {
		return nil, err
	}
	if err := l.persist(doc, m, l.revisions[0].Mark); err != nil {
		return nil, err
	}
	rev := l.append(label, date, doc, m)
	l.log.Debug("ledger commit sealed", "xid", l.xid, "seq", rev.Seq, "label", label)
	return rev, nil
}

// CommitReset seals a revision for a document whose trust root was just
// reset: the current mark must be the genesis of a new chain. No mark is
// minted.
func (l *Ledger) CommitReset(doc *xid.Document, label string) (*Revision, error) {
	if doc.XID() != l.xid {
		return nil, fmt.Errorf("%w: %s vs %s", ErrXIDMismatch, doc.XID(), l.xid)
	}
	m := doc.Mark()
	if m == nil || !m.IsGenesis() {
		return nil, errors.New("trust-root reset requires a fresh genesis mark")
	}
	if bytes.Equal(m.ChainID, l.Latest().Mark.ChainID) {
		return nil, errors.New("trust-root reset requires a new chain")
	}
	if err := l.persist(doc, m, l.revisions[0].Mark); err != nil {
		return nil, err
	}
	rev := l.append(label, m.Date, doc, m)
	l.log.Info("trust root reset", "xid", l.xid, "chain", fmt.Sprintf("%x", m.ChainID))
	return rev, nil
}

// Genesis returns the first revision.
func (l *Ledger) Genesis() *Revision {
	return l.revisions[0]
}

// Latest returns the most recent revision.
func (l *Ledger) Latest() *Revision {
	return l.revisions[len(l.revisions)-1]
}

// Revision returns the revision with the given mark sequence, or nil.
func (l *Ledger) Revision(seq uint32) *Revision {
	for _, r := range l.revisions {
		if r.Seq == seq {
			return r
		}
	}
	return nil
}

// RevisionByLabel returns the first revision with the given label, or nil.
func (l *Ledger) RevisionByLabel(label string) *Revision {
	for _, r := range l.revisions {
		if r.Label == label {
			return r
		}
	}
	return nil
}

// Labels returns all revision labels in order.
func (l *Ledger) Labels() []string {
	out := make([]string, len(l.revisions))
	for i, r := range l.revisions {
		out[i] = r.Label
	}
	return out
}

// Marks returns all revision marks in order.
func (l *Ledger) Marks() []*provenance.Mark {
	out := make([]*provenance.Mark, len(l.revisions))
	for i, r := range l.revisions {
		out[i] = r.Mark
	}
	return out
}

// Len returns the revision count.
func (l *Ledger) Len() int {
	return len(l.revisions)
}

// VerifyResult is the structured outcome of ledger verification.
type VerifyResult struct {
	Valid          bool               `json:"valid"`
	XIDStable      bool               `json:"xidStable"`
	GenesisPresent bool               `json:"genesisPresent"`
	ChainIntact    bool               `json:"chainIntact"`
	SequenceValid  bool               `json:"sequenceValid"`
	DatesMonotonic bool               `json:"datesMonotonic"`
	Report         *provenance.Report `json:"report"`
	Issues         []string           `json:"issues"`
}

// Verify audits the in-memory ledger: stable XID, genesis presence, intact
// mark chain per chain-ID partition, and monotonic dates.
func (l *Ledger) Verify() *VerifyResult {
	res := &VerifyResult{
		XIDStable:      true,
		GenesisPresent: len(l.revisions) > 0 && l.revisions[0].Mark.IsGenesis(),
		ChainIntact:    true,
		SequenceValid:  true,
		DatesMonotonic: true,
	}
	if !res.GenesisPresent {
		res.Issues = append(res.Issues, "first revision does not carry a genesis mark")
	}
	for _, r := range l.revisions {
		if r.Document.XID() != l.xid {
			res.XIDStable = false
			res.Issues = append(res.Issues, fmt.Sprintf("revision %q xid %s differs from ledger xid %s", r.Label, r.Document.XID(), l.xid))
		}
	}
	marks := l.Marks()
	res.Report = &provenance.Report{MarkCount: len(marks)}
	for _, part := range provenance.Partitions(marks) {
		rep := provenance.Validate(part)
		res.Report.Issues = append(res.Report.Issues, rep.Issues...)
		if !provenance.IsSequenceValid(part) {
			res.SequenceValid = false
			res.ChainIntact = false
		}
	}
	for _, issue := range res.Report.Issues {
		res.Issues = append(res.Issues, issue.Message)
		if issue.Kind == provenance.IssueDateRegression {
			res.DatesMonotonic = false
		}
	}
	res.Valid = len(res.Issues) == 0
	return res
}

func (l *Ledger) append(label string, date time.Time, doc *xid.Document, m *provenance.Mark) *Revision {
	rev := &Revision{
		ID:       uuid.NewString(),
		Seq:      m.Seq,
		Label:    label,
		Date:     date.UTC(),
		Document: doc.Clone(),
		Mark:     m.Clone(),
	}
	l.revisions = append(l.revisions, rev)
	return rev
}

func (l *Ledger) persist(doc *xid.Document, current, inception *provenance.Mark) error {
	if l.opts.DocumentPath != "" {
		extra := append([][2]string(nil), l.opts.Assertions...)
		if l.opts.RepositoryDID != "" {
			extra = append(extra, [2]string{xid.PredicateRepositoryIdentifier, l.opts.RepositoryDID})
		}
		if l.opts.SelfRef != "" {
			extra = append(extra, [2]string{xid.PredicateDocument, l.opts.SelfRef})
		}
		env, err := doc.ToEnvelope(xid.EnvelopeOptions{
			PrivateKeys: xid.PrivateKeyElide,
			Extra:       extra,
		})
		if err != nil {
			return err
		}
		meta := provdoc.Meta{
			DID:           l.opts.RepositoryDID,
			CurrentMark:   current,
			InceptionMark: inception,
			Contract:      l.opts.Contract,
		}
		if err := provdoc.Write(l.opts.DocumentPath, env, meta); err != nil {
			return fmt.Errorf("write provenance document: %w", err)
		}
	}
	if l.opts.GeneratorPath != "" && doc.Generator() != nil {
		if err := doc.Generator().Save(l.opts.GeneratorPath, l.fc); err != nil {
			return fmt.Errorf("write generator state: %w", err)
		}
	}
	if l.opts.StoreDir != "" {
		if err := l.persistStore(doc, current); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) persistStore(doc *xid.Document, current *provenance.Mark) error {
	if err := os.MkdirAll(filepath.Join(l.opts.StoreDir, "marks"), 0o755); err != nil {
		return err
	}
	if doc.Generator() != nil {
		state, err := doc.Generator().StateJSON(l.fc)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(l.opts.StoreDir, "generator.json"), append(state, '\n'), 0o600); err != nil {
			return err
		}
	}
	markJSON, err := json.Marshal(current)
	if err != nil {
		return err
	}
	canonical, err := crypto.CanonicalJSON(json.RawMessage(markJSON))
	if err != nil {
		return err
	}
	path := filepath.Join(l.opts.StoreDir, "marks", fmt.Sprintf("mark-%d.json", current.Seq))
	return os.WriteFile(path, append(canonical, '\n'), 0o644)
}
