// Package integrity is the authoring surface of the engine. It binds the
// pieces together for a single repository: minting the identifier, opening
// the inception provenance document, sealing changes through the ledger,
// rotating keys, resetting the trust root, and introducing child documents.
package integrity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openintegrity/goi/pkg/audit"
	"github.com/openintegrity/goi/pkg/crypto"
	"github.com/openintegrity/goi/pkg/envelope"
	"github.com/openintegrity/goi/pkg/ledger"
	"github.com/openintegrity/goi/pkg/provdoc"
	"github.com/openintegrity/goi/pkg/provenance"
	"github.com/openintegrity/goi/pkg/repoid"
	"github.com/openintegrity/goi/pkg/sshkey"
	"github.com/openintegrity/goi/pkg/vcs"
	"github.com/openintegrity/goi/pkg/xid"
)

// GeneratorDir is where generator state lives, inside the git metadata
// directory so it can never be committed.
const GeneratorDir = ".git/o"

// InceptionGeneratorPath is the generator state file for the inception
// document, relative to the repository root.
const InceptionGeneratorPath = GeneratorDir + "/GordianOpenIntegrity-generator.yaml"

// ErrNotInitialized is returned when authoring is opened on a repository
// without an inception provenance document.
var ErrNotInitialized = errors.New("repository has no inception provenance document")

// InitOptions parameterize repository initialization.
type InitOptions struct {
	Dir            string
	SigningKey     *sshkey.Key // first-trust key; must be able to sign
	ProvenanceSeed []byte      // seeds the mark generator; random when empty
	AuthorName     string
	AuthorEmail    string
	Resolution     provenance.Resolution // defaults to medium
	EncryptionKey  []byte                // seals generator state at rest
	Contract       string
	Logger         *slog.Logger
	Audit          audit.Trail
}

// InitResult reports a freshly initialized repository.
type InitResult struct {
	DID        string
	XID        string
	MarkID     string
	CommitHash string // inception commit
	Ledger     *ledger.Ledger
	Authoring  *Authoring
}

// Init creates the repository identifier and the inception provenance
// document: the signed empty identifier commit, then one signed commit
// carrying .repo-identifier and the inception YAML.
func Init(opts InitOptions) (*InitResult, error) {
	if opts.SigningKey == nil || !opts.SigningKey.CanSign() {
		return nil, sshkey.ErrNoPrivateKey
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	res := opts.Resolution
	if res == "" {
		res = provenance.ResolutionMedium
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	repo, err := vcs.Init(opts.Dir)
	if err != nil {
		return nil, err
	}

	idRes, err := repoid.CreateIdentifierCommit(repo, opts.SigningKey, opts.AuthorName, opts.AuthorEmail, "")
	if err != nil {
		return nil, err
	}

	doc, err := xid.New(opts.SigningKey, opts.AuthorName)
	if err != nil {
		return nil, err
	}

	var src provenance.Source
	if len(opts.ProvenanceSeed) > 0 {
		src = provenance.SeedSource(opts.ProvenanceSeed)
	} else {
		src, err = provenance.RandomSource()
		if err != nil {
			return nil, err
		}
	}
	gen, err := provenance.NewGenerator(res, src)
	if err != nil {
		return nil, err
	}
	if err := doc.EnableProvenance(gen, idRes.InceptionDate); err != nil {
		return nil, err
	}

	l, err := ledger.Create(doc, ledger.Options{
		DocumentPath:  filepath.Join(opts.Dir, filepath.FromSlash(provdoc.InceptionPath)),
		SelfRef:       provdoc.InceptionPath,
		GeneratorPath: filepath.Join(opts.Dir, filepath.FromSlash(InceptionGeneratorPath)),
		EncryptionKey: opts.EncryptionKey,
		Contract:      opts.Contract,
		RepositoryDID: idRes.DID,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	// The .repo-identifier and the inception document land in one signed
	// follow-up commit, so a fresh repository has exactly two commits.
	content, err := os.ReadFile(filepath.Join(opts.Dir, filepath.FromSlash(provdoc.InceptionPath)))
	if err != nil {
		return nil, err
	}
	who := vcs.Identity{Name: opts.AuthorName, Email: opts.AuthorEmail, When: idRes.InceptionDate}
	_, err = repo.CreateSignedCommit(
		map[string][]byte{
			repoid.IdentifierFile: []byte(idRes.DID + "\n"),
			provdoc.InceptionPath: content,
		},
		vcs.WithSignOff("Add repository identifier", opts.AuthorName, opts.AuthorEmail),
		who, who, opts.SigningKey, false)
	if err != nil {
		return nil, err
	}

	if opts.Audit != nil {
		opts.Audit.Record(audit.EventMutation, "init", idRes.DID, map[string]interface{}{
			"xid":  doc.XID(),
			"mark": doc.Mark().Identifier(),
		})
	}
	log.Info("repository initialized", "did", idRes.DID, "xid", doc.XID())

	a := &Authoring{
		repo:          repo,
		dir:           opts.Dir,
		doc:           doc,
		did:           idRes.DID,
		inceptionMark: l.Genesis().Mark,
		signer:        opts.SigningKey,
		authorName:    opts.AuthorName,
		authorEmail:   opts.AuthorEmail,
		encryptionKey: opts.EncryptionKey,
		contract:      opts.Contract,
		documents:     map[string]string{},
		log:           log,
		trail:         opts.Audit,
	}
	return &InitResult{
		DID:        idRes.DID,
		XID:        doc.XID(),
		MarkID:     doc.Mark().Identifier(),
		CommitHash: idRes.CommitHash,
		Ledger:     l,
		Authoring:  a,
	}, nil
}

// Authoring is the mutable handle over an initialized repository.
type Authoring struct {
	repo          *vcs.Repo
	dir           string
	doc           *xid.Document
	did           string
	inceptionMark *provenance.Mark
	signer        *sshkey.Key
	authorName    string
	authorEmail   string
	encryptionKey []byte
	contract      string
	documents     map[string]string // child path -> child xid
	log           *slog.Logger
	trail         audit.Trail
}

// OpenOptions parameterize Open.
type OpenOptions struct {
	Dir           string
	SigningKey    *sshkey.Key
	AuthorName    string
	AuthorEmail   string
	EncryptionKey []byte
	Contract      string
	Logger        *slog.Logger
	Audit         audit.Trail
}

// Open reconstructs the authoring handle of an initialized repository from
// its committed inception document and on-disk generator state.
func Open(opts OpenOptions) (*Authoring, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	repo, err := vcs.Open(opts.Dir)
	if err != nil {
		return nil, err
	}

	history, err := repo.PathHistory(provdoc.InceptionPath)
	if err != nil || len(history) == 0 {
		return nil, ErrNotInitialized
	}

	first, err := decodeDocument(history[0].Content)
	if err != nil {
		return nil, fmt.Errorf("inception document: %w", err)
	}
	latest, err := decodeDocument(history[len(history)-1].Content)
	if err != nil {
		return nil, fmt.Errorf("latest provenance document: %w", err)
	}

	var fc *crypto.FieldCipher
	if len(opts.EncryptionKey) > 0 {
		if fc, err = crypto.NewFieldCipher(opts.EncryptionKey); err != nil {
			return nil, err
		}
	}
	gen, err := provenance.Load(filepath.Join(opts.Dir, filepath.FromSlash(InceptionGeneratorPath)), fc)
	if err != nil {
		return nil, fmt.Errorf("open generator state: %w", err)
	}
	latest.doc.AttachGenerator(gen)

	ids, err := repoid.Identifiers(repo)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotInitialized
	}

	a := &Authoring{
		repo:          repo,
		dir:           opts.Dir,
		doc:           latest.doc,
		did:           ids[0],
		inceptionMark: first.doc.Mark(),
		signer:        opts.SigningKey,
		authorName:    opts.AuthorName,
		authorEmail:   opts.AuthorEmail,
		encryptionKey: opts.EncryptionKey,
		contract:      opts.Contract,
		documents:     documentsOf(latest.env),
		log:           log,
		trail:         opts.Audit,
	}
	return a, nil
}

// Document returns the live XID document.
func (a *Authoring) Document() *xid.Document {
	return a.doc
}

// DID returns the repository identifier.
func (a *Authoring) DID() string {
	return a.did
}

// Commit seals the current document state: advances the mark for date,
// rewrites the inception YAML and generator state, and appends one signed
// commit carrying the YAML plus any extra files.
func (a *Authoring) Commit(label, message string, date time.Time, extraFiles map[string][]byte) (string, error) {
	if _, err := a.doc.AdvanceProvenance(date); err != nil {
		return "", err
	}
	return a.seal(label, message, date, extraFiles)
}

// CommitFiles appends one signed commit with the given files, without
// touching the provenance document. Ordinary work commits use this.
func (a *Authoring) CommitFiles(message string, date time.Time, files map[string][]byte) (string, error) {
	who := vcs.Identity{Name: a.authorName, Email: a.authorEmail, When: date}
	return a.repo.CreateSignedCommit(files,
		vcs.WithSignOff(message, a.authorName, a.authorEmail),
		who, who, a.signer, false)
}

// RotateKey rotates the document to newKey and seals the rotation. The new
// key signs the commit; the XID is unchanged.
func (a *Authoring) RotateKey(newKey *sshkey.Key, date time.Time) (string, error) {
	if !newKey.CanSign() {
		return "", sshkey.ErrNoPrivateKey
	}
	if err := a.doc.Rotate(&xid.Key{PublicKey: newKey.PublicLine()}); err != nil {
		return "", err
	}
	a.signer = newKey
	hash, err := a.Commit("rotate-key", "Rotate signing key", date, nil)
	if err != nil {
		return "", err
	}
	if a.trail != nil {
		a.trail.Record(audit.EventMutation, "rotate-key", a.did, map[string]interface{}{
			"xid": a.doc.XID(), "key": newKey.Fingerprint(),
		})
	}
	return hash, nil
}

// ResetTrustRoot replaces the provenance chain with a fresh one while
// preserving the repository identifier and the XID.
func (a *Authoring) ResetTrustRoot(seed []byte, date time.Time) (*provenance.Mark, error) {
	var src provenance.Source
	var err error
	if len(seed) > 0 {
		src = provenance.SeedSource(seed)
	} else if src, err = provenance.RandomSource(); err != nil {
		return nil, err
	}
	gen, err := provenance.NewGenerator(a.doc.Mark().Res, src)
	if err != nil {
		return nil, err
	}
	mark, err := a.doc.ResetTrustRoot(gen, date)
	if err != nil {
		return nil, err
	}
	if _, err := a.seal("trust-root-reset", "Reset provenance trust root", date, nil); err != nil {
		return nil, err
	}
	if a.trail != nil {
		a.trail.Record(audit.EventMutation, "trust-root-reset", a.did, map[string]interface{}{
			"mark": mark.Identifier(),
		})
	}
	return mark, nil
}

// AddDocument introduces a child provenance document at relPath (under .o/),
// registers it in the inception document's registry, and seals both in one
// signed commit.
func (a *Authoring) AddDocument(relPath string, seed []byte, date time.Time) (string, error) {
	if !strings.HasPrefix(relPath, provdoc.Dir+"/") || !strings.HasSuffix(relPath, ".yaml") {
		return "", fmt.Errorf("child document path must be %s/<name>.yaml, got %s", provdoc.Dir, relPath)
	}
	childDoc, err := xid.New(a.signer, a.authorName)
	if err != nil {
		return "", err
	}
	var src provenance.Source
	if len(seed) > 0 {
		src = provenance.SeedSource(seed)
	} else if src, err = provenance.RandomSource(); err != nil {
		return "", err
	}
	childGen, err := provenance.NewGenerator(a.doc.Mark().Res, src)
	if err != nil {
		return "", err
	}
	if err := childDoc.EnableProvenance(childGen, date); err != nil {
		return "", err
	}

	childEnv, err := childDoc.ToEnvelope(xid.EnvelopeOptions{
		PrivateKeys: xid.PrivateKeyElide,
		Extra: [][2]string{
			{xid.PredicateRepositoryIdentifier, a.did},
			{xid.PredicateDocument, relPath},
		},
	})
	if err != nil {
		return "", err
	}
	childBytes, err := provdoc.Render(childEnv, provdoc.Meta{
		DID:           a.did,
		CurrentMark:   childDoc.Mark(),
		InceptionMark: childDoc.Mark(),
		Contract:      a.contract,
	})
	if err != nil {
		return "", err
	}
	if err := childGen.Save(filepath.Join(a.dir, filepath.FromSlash(a.childGeneratorPath(relPath))), a.cipher()); err != nil {
		return "", err
	}

	a.documents[relPath] = childDoc.XID()
	if _, err := a.doc.AdvanceProvenance(date); err != nil {
		return "", err
	}
	hash, err := a.seal("add-document", "Add provenance document "+relPath, date,
		map[string][]byte{relPath: childBytes})
	if err != nil {
		return "", err
	}
	if a.trail != nil {
		a.trail.Record(audit.EventMutation, "add-document", a.did, map[string]interface{}{
			"path": relPath, "xid": childDoc.XID(),
		})
	}
	return hash, nil
}

// seal rewrites the inception YAML and generator state for the document's
// current mark and appends one signed commit with the YAML and extra files.
func (a *Authoring) seal(label, message string, date time.Time, extraFiles map[string][]byte) (string, error) {
	extra := [][2]string{
		{xid.PredicateRepositoryIdentifier, a.did},
		{xid.PredicateDocument, provdoc.InceptionPath},
	}
	if len(a.documents) > 0 {
		reg, err := crypto.CanonicalJSON(a.documents)
		if err != nil {
			return "", err
		}
		extra = append(extra, [2]string{xid.PredicateDocuments, string(reg)})
	}
	env, err := a.doc.ToEnvelope(xid.EnvelopeOptions{PrivateKeys: xid.PrivateKeyElide, Extra: extra})
	if err != nil {
		return "", err
	}
	content, err := provdoc.Render(env, provdoc.Meta{
		DID:           a.did,
		CurrentMark:   a.doc.Mark(),
		InceptionMark: a.inceptionMark,
		Contract:      a.contract,
	})
	if err != nil {
		return "", err
	}
	if gen := a.doc.Generator(); gen != nil {
		if err := gen.Save(filepath.Join(a.dir, filepath.FromSlash(InceptionGeneratorPath)), a.cipher()); err != nil {
			return "", err
		}
	}

	files := map[string][]byte{provdoc.InceptionPath: content}
	for p, b := range extraFiles {
		files[p] = b
	}
	who := vcs.Identity{Name: a.authorName, Email: a.authorEmail, When: date}
	hash, err := a.repo.CreateSignedCommit(files,
		vcs.WithSignOff(message, a.authorName, a.authorEmail),
		who, who, a.signer, false)
	if err != nil {
		return "", err
	}
	a.log.Debug("sealed revision", "label", label, "commit", hash, "mark", a.doc.Mark().Identifier())
	return hash, nil
}

func (a *Authoring) cipher() *crypto.FieldCipher {
	if len(a.encryptionKey) == 0 {
		return nil
	}
	fc, err := crypto.NewFieldCipher(a.encryptionKey)
	if err != nil {
		return nil
	}
	return fc
}

func (a *Authoring) childGeneratorPath(relPath string) string {
	sub := strings.TrimPrefix(relPath, provdoc.Dir+"/")
	sub = strings.TrimSuffix(sub, ".yaml")
	return GeneratorDir + "/" + sub + "-generator.yaml"
}

type decoded struct {
	env *envelope.Envelope
	doc *xid.Document
}

func decodeDocument(content []byte) (*decoded, error) {
	h, err := provdoc.Parse(content)
	if err != nil {
		return nil, err
	}
	env, err := envelope.FromURString(h.EnvelopeUR)
	if err != nil {
		return nil, err
	}
	doc, err := xid.FromEnvelope(env, "", xid.VerifyNone)
	if err != nil {
		return nil, err
	}
	inner := env
	if sub, ok := env.Subject().(*envelope.Envelope); ok {
		inner = sub
	}
	return &decoded{env: inner, doc: doc}, nil
}

func documentsOf(env *envelope.Envelope) map[string]string {
	out := map[string]string{}
	raw := env.StringForPredicate(xid.PredicateDocuments)
	if raw == "" {
		return out
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return out
	}
	return m
}
