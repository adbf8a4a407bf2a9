// Package repoid mints and validates the repository identifier: an empty,
// signed inception commit whose hash becomes the immutable did:repo of the
// repository, followed by a signed commit that writes the identifier to the
// .repo-identifier file.
package repoid

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openintegrity/goi/pkg/sshkey"
	"github.com/openintegrity/goi/pkg/vcs"
)

// IdentifierFile is the committed path holding the did:repo string.
const IdentifierFile = ".repo-identifier"

// DIDPrefix prefixes every repository identifier.
const DIDPrefix = "did:repo:"

// ErrIdentifierCommitMalformed is returned when identifier creation cannot
// satisfy the commit requirements.
var ErrIdentifierCommitMalformed = errors.New("identifier commit malformed")

// CreateResult reports a freshly minted identifier.
type CreateResult struct {
	DID            string
	CommitHash     string
	FileCommitHash string
	Fingerprint    string
	InceptionDate  time.Time
}

// ValidateResult is the evidence collected about an identifier commit.
type ValidateResult struct {
	Valid          bool     `json:"valid"`
	DID            string   `json:"did"`
	IsSigned       bool     `json:"isSigned"`
	IsEmpty        bool     `json:"isEmpty"`
	AuthorMatch    bool     `json:"authorMatch"`
	KeyMatch       bool     `json:"keyMatch"`
	KeyFingerprint string   `json:"keyFingerprint"`
	Issues         []string `json:"issues"`
}

// CreateIdentifierCommit appends only the signed empty inception commit
// (committer name set to the key fingerprint as a cheap index) and returns
// the minted identifier. The .repo-identifier file is not written.
func CreateIdentifierCommit(repo *vcs.Repo, signer *sshkey.Key, authorName, authorEmail, message string) (*CreateResult, error) {
	if !signer.CanSign() {
		return nil, sshkey.ErrNoPrivateKey
	}
	if authorName == "" || authorEmail == "" {
		return nil, fmt.Errorf("%w: author identity required", ErrIdentifierCommitMalformed)
	}
	if message == "" {
		message = "Initialize repository identifier"
	}
	inceptionDate := time.Now().UTC().Truncate(time.Second)

	author := vcs.Identity{Name: authorName, Email: authorEmail, When: inceptionDate}
	committer := vcs.Identity{Name: signer.Fingerprint(), Email: authorEmail, When: inceptionDate}
	hash, err := repo.CreateSignedCommit(nil,
		vcs.WithSignOff(message, authorName, authorEmail),
		author, committer, signer, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentifierCommitMalformed, err)
	}

	return &CreateResult{
		DID:           DIDPrefix + hash,
		CommitHash:    hash,
		Fingerprint:   signer.Fingerprint(),
		InceptionDate: inceptionDate,
	}, nil
}

// Create mints the repository identifier: the signed empty inception commit
// and a signed follow-up commit writing .repo-identifier. extraFiles, when
// non-nil, ride along in the follow-up commit.
func Create(repo *vcs.Repo, signer *sshkey.Key, authorName, authorEmail, message string, extraFiles map[string][]byte) (*CreateResult, error) {
	res, err := CreateIdentifierCommit(repo, signer, authorName, authorEmail, message)
	if err != nil {
		return nil, err
	}
	files := map[string][]byte{IdentifierFile: []byte(res.DID + "\n")}
	for p, b := range extraFiles {
		files[p] = b
	}
	fileWho := vcs.Identity{Name: authorName, Email: authorEmail, When: res.InceptionDate}
	fileHash, err := repo.CreateSignedCommit(files,
		vcs.WithSignOff("Add repository identifier", authorName, authorEmail),
		fileWho, fileWho, signer, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentifierCommitMalformed, err)
	}
	res.FileCommitHash = fileHash
	return res, nil
}

// Validate audits the identifier commit. With an empty commitHash the first
// root commit is examined. Domain anomalies populate Issues; only adapter
// faults return an error.
func Validate(repo *vcs.Repo, commitHash string) (*ValidateResult, error) {
	res := &ValidateResult{}

	if commitHash == "" {
		roots, err := repo.RootCommits()
		if err != nil {
			if errors.Is(err, vcs.ErrNoCommits) {
				res.Issues = append(res.Issues, "repository has no commits")
				return res, nil
			}
			return nil, err
		}
		if len(roots) == 0 {
			res.Issues = append(res.Issues, "repository has no root commit")
			return res, nil
		}
		commitHash = roots[0]
	}

	meta, err := repo.CommitMeta(commitHash)
	if err != nil {
		return nil, err
	}
	res.DID = DIDPrefix + meta.Hash

	res.IsEmpty = isEmptyCommit(repo, meta)
	if !res.IsEmpty {
		res.Issues = append(res.Issues, "identifier commit tree is not empty")
	}

	if meta.Signature == "" {
		res.Issues = append(res.Issues, "identifier commit is not signed")
	} else {
		payload, err := repo.SignaturePayload(meta.Hash)
		if err != nil {
			return nil, err
		}
		line, verr := verifyEmbedded(payload, []byte(meta.Signature))
		if verr != nil {
			res.Issues = append(res.Issues, fmt.Sprintf("identifier commit signature: %v", verr))
		} else {
			res.IsSigned = true
			if pub, err := sshkey.ParsePublic(line); err == nil {
				res.KeyFingerprint = pub.Fingerprint()
			}
		}
	}

	res.AuthorMatch = checkAuthor(meta, res)

	fileLine, fileOK := identifierFileLine(repo, res)
	if fileOK {
		idLine := sshkey.FirstArmorLine(meta.Signature)
		res.KeyMatch = idLine != "" && idLine == fileLine
		if !res.KeyMatch {
			res.Issues = append(res.Issues, "identifier and file commits are signed by different keys")
		}
	}

	res.Valid = res.IsSigned && res.IsEmpty && res.AuthorMatch && res.KeyMatch
	return res, nil
}

// Identifiers returns every did:repo value .repo-identifier has ever held,
// newest first.
func Identifiers(repo *vcs.Repo) ([]string, error) {
	hist, err := repo.PathHistory(IdentifierFile)
	if err != nil {
		if errors.Is(err, vcs.ErrNoCommits) {
			return nil, nil
		}
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for i := len(hist) - 1; i >= 0; i-- {
		did := strings.TrimSpace(string(hist[i].Content))
		if did == "" || seen[did] {
			continue
		}
		seen[did] = true
		out = append(out, did)
	}
	return out, nil
}

func isEmptyCommit(repo *vcs.Repo, meta vcs.CommitMeta) bool {
	if meta.TreeHash == vcs.EmptyTreeHash {
		return true
	}
	if len(meta.ParentHashes) == 1 {
		parent, err := repo.CommitMeta(meta.ParentHashes[0])
		if err == nil && parent.TreeHash == meta.TreeHash {
			return true
		}
	}
	return false
}

func checkAuthor(meta vcs.CommitMeta, res *ValidateResult) bool {
	ok := true
	if meta.CommitterEmail != meta.AuthorEmail {
		res.Issues = append(res.Issues, "committer email differs from author email")
		ok = false
	}
	if !vcs.HasSignOff(meta.Message) {
		res.Issues = append(res.Issues, "identifier commit has no Signed-off-by trailer")
		ok = false
	} else {
		want := fmt.Sprintf("%s <%s>", meta.AuthorName, meta.AuthorEmail)
		if vcs.SignOffIdentity(meta.Message) != want {
			res.Issues = append(res.Issues, "Signed-off-by trailer does not match the author")
			ok = false
		}
	}
	if res.KeyFingerprint != "" && meta.CommitterName != res.KeyFingerprint {
		res.Issues = append(res.Issues, "committer name is not the signing key fingerprint")
		ok = false
	}
	if !meta.AuthorDate.Equal(meta.CommitDate) {
		res.Issues = append(res.Issues, "author and committer timestamps differ")
		ok = false
	}
	return ok
}

// identifierFileLine finds the commit that introduced .repo-identifier,
// checks its content, and returns the first armor line of its signature.
func identifierFileLine(repo *vcs.Repo, res *ValidateResult) (string, bool) {
	hist, err := repo.PathHistory(IdentifierFile)
	if err != nil || len(hist) == 0 {
		res.Issues = append(res.Issues, IdentifierFile+" was never committed")
		return "", false
	}
	first := hist[0]
	if strings.TrimSpace(string(first.Content)) != res.DID {
		res.Issues = append(res.Issues, IdentifierFile+" content does not match the identifier commit")
	}
	if first.Commit.Signature == "" {
		res.Issues = append(res.Issues, IdentifierFile+" commit is not signed")
		return "", false
	}
	if !vcs.HasSignOff(first.Commit.Message) {
		res.Issues = append(res.Issues, IdentifierFile+" commit has no Signed-off-by trailer")
	}
	return sshkey.FirstArmorLine(first.Commit.Signature), true
}

func verifyEmbedded(payload, armored []byte) (string, error) {
	line, err := sshkey.SignaturePublicLine(armored)
	if err != nil {
		return "", err
	}
	pub, err := sshkey.ParsePublic(line)
	if err != nil {
		return "", err
	}
	if err := pub.Verify(payload, armored); err != nil {
		return "", err
	}
	return line, nil
}
