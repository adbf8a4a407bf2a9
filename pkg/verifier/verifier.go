// Package verifier reconciles a repository's commit graph with its embedded
// provenance documents. It is intentionally offline: the only trust anchors
// are the cryptographic primitives and the published mark identifier the
// caller supplies. Evidence is collected across four layers — commit origin,
// repository identifier, provenance chain, governance — and every anomaly
// lands in the report's issue list; a report is valid only when that list is
// empty.
package verifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openintegrity/goi/pkg/envelope"
	"github.com/openintegrity/goi/pkg/provdoc"
	"github.com/openintegrity/goi/pkg/provenance"
	"github.com/openintegrity/goi/pkg/repoid"
	"github.com/openintegrity/goi/pkg/sshkey"
	"github.com/openintegrity/goi/pkg/vcs"
	"github.com/openintegrity/goi/pkg/xid"
)

// StrictFlags enable the governance layer's optional checks.
type StrictFlags struct {
	RepoIdentifierIsInceptionCommit bool
	SignersAllAuthorized            bool
}

// Options parameterize verification.
type Options struct {
	// Mark, when set, is the published mark identifier the latest
	// provenance version must match.
	Mark string
	// Strict enables the governance checks.
	Strict StrictFlags
	// AllowedSigners extends the historical signer union.
	AllowedSigners []string

	Logger *slog.Logger
}

// Report is the verification outcome for a repository.
type Report struct {
	Valid              bool     `json:"valid"`
	DID                string   `json:"did"`
	XID                string   `json:"xid"`
	MarksMonotonic     bool     `json:"marksMonotonic"`
	MarkMatchesLatest  bool     `json:"markMatchesLatest"`
	XIDStable          bool     `json:"xidStable"`
	TotalCommits       int      `json:"totalCommits"`
	ValidSignatures    int      `json:"validSignatures"`
	InvalidSignatures  int      `json:"invalidSignatures"`
	ProvenanceVersions int      `json:"provenanceVersions"`
	Issues             []string `json:"issues"`
}

// DocReport extends Report with the child-document checks.
type DocReport struct {
	Report
	DocumentPathValid bool `json:"documentPathValid"`
	DocumentsMapValid bool `json:"documentsMapValid"`
}

// entry is one historical provenance-document version, decoded.
type entry struct {
	commit vcs.CommitMeta
	env    *envelope.Envelope // inner envelope (signed container unwrapped)
	doc    *xid.Document
	markID string
}

// Verify runs the full four-layer verification of a repository.
func Verify(repoDir string, opts Options) (*Report, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	repo, err := vcs.Open(repoDir)
	if err != nil {
		return nil, err
	}

	r := &Report{MarksMonotonic: true, XIDStable: true}

	history, parseIssues, err := collectProvenance(repo, provdoc.InceptionPath)
	if err != nil {
		return nil, err
	}
	r.Issues = append(r.Issues, parseIssues...)
	r.ProvenanceVersions = len(history)
	if len(history) == 0 {
		r.addIssue("No provenance documents found at " + provdoc.InceptionPath)
	}

	auditProvenance(r, history, opts.Mark)

	signers := signerUnion(history, opts.AllowedSigners)
	auditCommits(repo, r, signers)

	idRes, err := repoid.Validate(repo, "")
	if err != nil {
		return nil, err
	}
	r.DID = idRes.DID
	if !idRes.Valid {
		for _, issue := range idRes.Issues {
			r.addIssue("repository identifier: " + issue)
		}
	}

	auditGovernance(repo, r, history, opts.Strict)

	r.Valid = len(r.Issues) == 0
	log.Debug("repository verified", "dir", repoDir, "valid", r.Valid, "issues", len(r.Issues))
	return r, nil
}

// VerifyDocument verifies one child provenance document: its own history
// (layer 3), its self-reference, its registration in the latest inception
// envelope, and the commit audit under the union of both histories' signers.
func VerifyDocument(repoDir, path string, opts Options) (*DocReport, error) {
	repo, err := vcs.Open(repoDir)
	if err != nil {
		return nil, err
	}
	r := &DocReport{Report: Report{MarksMonotonic: true, XIDStable: true}}

	history, parseIssues, err := collectProvenance(repo, path)
	if err != nil {
		return nil, err
	}
	r.Issues = append(r.Issues, parseIssues...)
	r.ProvenanceVersions = len(history)
	if len(history) == 0 {
		r.addIssue("No provenance documents found at " + path)
		r.Valid = false
		return r, nil
	}

	auditProvenance(&r.Report, history, opts.Mark)

	latest := history[len(history)-1]
	selfRef := latest.env.StringForPredicate(xid.PredicateDocument)
	r.DocumentPathValid = selfRef == path
	if !r.DocumentPathValid {
		r.addIssue(fmt.Sprintf("document self-reference %q does not match %s", selfRef, path))
	}

	inception, inceptionIssues, err := collectProvenance(repo, provdoc.InceptionPath)
	if err != nil {
		return nil, err
	}
	r.Issues = append(r.Issues, inceptionIssues...)
	if len(inception) == 0 {
		r.addIssue("No provenance documents found at " + provdoc.InceptionPath)
	} else {
		r.DocumentsMapValid = checkDocumentsMap(&r.Report, inception[len(inception)-1], path, latest.doc.XID())
	}

	signers := signerUnion(append(append([]entry(nil), history...), inception...), opts.AllowedSigners)
	auditCommits(repo, &r.Report, signers)

	r.Valid = len(r.Issues) == 0
	return r, nil
}

// collectProvenance decodes every historical version of a provenance
// document path, ascending. Undecodable versions become issues.
func collectProvenance(repo *vcs.Repo, path string) ([]entry, []string, error) {
	versions, err := repo.PathHistory(path)
	if err != nil {
		if errors.Is(err, vcs.ErrNoCommits) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var out []entry
	var issues []string
	for _, v := range versions {
		h, err := provdoc.Parse(v.Content)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s at %s: %v", path, short(v.Commit.Hash), err))
			continue
		}
		env, err := envelope.FromURString(h.EnvelopeUR)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s at %s: %v", path, short(v.Commit.Hash), err))
			continue
		}
		inner := env
		if sub, ok := env.Subject().(*envelope.Envelope); ok {
			inner = sub
		}
		doc, err := xid.FromEnvelope(env, "", xid.VerifyNone)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s at %s: %v", path, short(v.Commit.Hash), err))
			continue
		}
		if inner.ObjectForPredicate(xid.PredicateGenerator) != nil {
			issues = append(issues, fmt.Sprintf("GeneratorLeaked: %s at %s embeds provenance generator state", path, short(v.Commit.Hash)))
		}
		out = append(out, entry{commit: v.Commit, env: inner, doc: doc, markID: h.MarkID})
	}
	return out, issues, nil
}

// auditProvenance runs the layer-3 checks over a document history.
func auditProvenance(r *Report, history []entry, publishedMark string) {
	if len(history) == 0 {
		return
	}

	for _, e := range history {
		if e.doc.Mark() == nil {
			r.addIssue(fmt.Sprintf("provenance version at %s carries no mark", short(e.commit.Hash)))
		}
	}

	var marks []*provenance.Mark
	for _, e := range history {
		if m := e.doc.Mark(); m != nil {
			marks = append(marks, m)
		}
	}

	// A trust-root reset starts a new chain; ordering and validity apply
	// within each chain-ID partition.
	for _, part := range provenance.Partitions(marks) {
		for i := 1; i < len(part); i++ {
			if part[i].Seq <= part[i-1].Seq {
				r.MarksMonotonic = false
				r.addIssue(fmt.Sprintf("MarksOutOfOrder: mark seq %d does not advance past %d", part[i].Seq, part[i-1].Seq))
			}
		}
		rep := provenance.Validate(part)
		for _, issue := range rep.Issues {
			r.addIssue(fmt.Sprintf("provenance chain: %s: %s", issue.Kind, issue.Message))
		}
	}

	r.XID = history[0].doc.XID()
	for _, e := range history {
		if e.doc.XID() != r.XID {
			r.XIDStable = false
			r.addIssue(fmt.Sprintf("xid changed from %s to %s at %s", r.XID, e.doc.XID(), short(e.commit.Hash)))
		}
	}

	latest := history[len(history)-1]
	if m := latest.doc.Mark(); m != nil && latest.markID != m.Identifier() {
		r.addIssue(fmt.Sprintf("document header mark %s does not match envelope mark %s", latest.markID, m.Identifier()))
	}
	if publishedMark != "" {
		latestID := latest.markID
		if m := latest.doc.Mark(); m != nil {
			latestID = m.Identifier()
		}
		r.MarkMatchesLatest = publishedMark == latestID
		if !r.MarkMatchesLatest {
			r.addIssue(fmt.Sprintf("published mark %q does not match latest provenance mark %q", publishedMark, latestID))
		}
	}
}

// signerUnion gathers every SSH key that any historical envelope holds, so
// commits authored under retired keys still verify.
func signerUnion(history []entry, extra []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(line string) {
		if line != "" && !seen[line] {
			seen[line] = true
			out = append(out, line)
		}
	}
	for _, e := range history {
		for _, k := range e.doc.Keys() {
			add(k.PublicKey)
		}
		for _, obj := range e.env.ObjectsForPredicate(xid.PredicateSigningKey) {
			if s, ok := obj.(string); ok {
				add(s)
			}
		}
	}
	for _, line := range extra {
		add(line)
	}
	return out
}

// auditCommits runs the layer-1 checks: signatures against the signer set,
// sign-off trailers, and one-author-per-key consistency.
func auditCommits(repo *vcs.Repo, r *Report, signers []string) {
	log, err := repo.Log()
	if err != nil {
		r.addIssue("commit audit: " + err.Error())
		return
	}
	r.TotalCommits = len(log)

	authorsByKey := map[string]map[string]bool{}

	for _, m := range log {
		if m.Signature == "" {
			r.InvalidSignatures++
			r.addIssue(fmt.Sprintf("commit %s is not signed", short(m.Hash)))
			continue
		}
		payload, err := repo.SignaturePayload(m.Hash)
		if err != nil {
			r.InvalidSignatures++
			r.addIssue(fmt.Sprintf("commit %s: %v", short(m.Hash), err))
			continue
		}
		if len(signers) == 0 {
			r.InvalidSignatures++
			r.addIssue(fmt.Sprintf("commit %s: no provenance signing keys to verify against", short(m.Hash)))
		} else if _, err := sshkey.VerifyAny(payload, []byte(m.Signature), signers); err != nil {
			r.InvalidSignatures++
			r.addIssue(fmt.Sprintf("commit %s signature is not authorized by any provenance signing key", short(m.Hash)))
		} else {
			r.ValidSignatures++
		}

		if !vcs.HasSignOff(m.Message) {
			r.addIssue(fmt.Sprintf("commit %s has no Signed-off-by trailer", short(m.Hash)))
		}

		if line, err := sshkey.SignaturePublicLine([]byte(m.Signature)); err == nil {
			if pub, err := sshkey.ParsePublic(line); err == nil {
				fp := pub.Fingerprint()
				if authorsByKey[fp] == nil {
					authorsByKey[fp] = map[string]bool{}
				}
				authorsByKey[fp][m.AuthorName+" <"+m.AuthorEmail+">"] = true
			}
		}
	}

	for fp, authors := range authorsByKey {
		if len(authors) > 1 {
			var names []string
			for a := range authors {
				names = append(names, a)
			}
			r.addIssue(fmt.Sprintf("MultipleAuthorsOneKey: key %s used by %s", fp, strings.Join(names, ", ")))
		}
	}
}

// auditGovernance runs the strict layer-4 checks.
func auditGovernance(repo *vcs.Repo, r *Report, history []entry, strict StrictFlags) {
	if strict.RepoIdentifierIsInceptionCommit && len(history) > 0 {
		did := history[0].env.StringForPredicate(xid.PredicateRepositoryIdentifier)
		roots, err := repo.RootCommits()
		switch {
		case err != nil:
			r.addIssue("governance: " + err.Error())
		case len(roots) == 0:
			r.addIssue("governance: repository has no root commit")
		case did != repoid.DIDPrefix+roots[0]:
			r.addIssue(fmt.Sprintf("governance: envelope repository identifier %q is not the inception commit %s", did, short(roots[0])))
		}
	}
	if strict.SignersAllAuthorized && r.InvalidSignatures > 0 {
		r.addIssue(fmt.Sprintf("governance: %d of %d commits carry invalid signatures or signers not authorized by the provenance history", r.InvalidSignatures, r.TotalCommits))
	}
}

// checkDocumentsMap looks the document up in the inception envelope's
// documents registry and compares the registered XID.
func checkDocumentsMap(r *Report, inceptionLatest entry, path, docXID string) bool {
	raw := inceptionLatest.env.StringForPredicate(xid.PredicateDocuments)
	if raw == "" {
		r.addIssue("inception envelope has no documents registry")
		return false
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		r.addIssue("documents registry is not valid JSON: " + err.Error())
		return false
	}
	want, ok := m[path]
	if !ok {
		r.addIssue(fmt.Sprintf("document %s is not registered in the inception envelope", path))
		return false
	}
	if want != docXID {
		r.addIssue(fmt.Sprintf("document %s registered xid %s does not match document xid %s", path, want, docXID))
		return false
	}
	return true
}

func (r *Report) addIssue(msg string) {
	r.Issues = append(r.Issues, msg)
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
