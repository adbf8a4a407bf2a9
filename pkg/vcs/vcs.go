// Package vcs adapts the engine to an on-disk git repository via go-git:
// creating SSH-signed commits (including the signed empty inception commit),
// walking history in ascending commit time, and recovering every historical
// version of a path. Raw signature blobs are surfaced so callers can verify
// them in the SSH "git" namespace.
package vcs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/openintegrity/goi/pkg/sshkey"
)

// EmptyTreeHash is the well-known hash of the empty git tree.
const EmptyTreeHash = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// ErrNoCommits is returned when a repository has no reachable commits.
var ErrNoCommits = errors.New("repository has no commits")

// Identity names a commit author or committer.
type Identity struct {
	Name  string
	Email string
	When  time.Time
}

// CommitMeta is the per-commit evidence the engine consumes.
type CommitMeta struct {
	Hash           string
	TreeHash       string
	ParentHashes   []string
	AuthorName     string
	AuthorEmail    string
	AuthorDate     time.Time
	CommitterName  string
	CommitterEmail string
	CommitDate     time.Time
	Message        string
	Signature      string // armored SSH signature block, empty if unsigned
}

// PathVersion is one historical version of a file.
type PathVersion struct {
	Commit  CommitMeta
	Content []byte
}

// Repo wraps a git repository rooted at Dir.
type Repo struct {
	g   *git.Repository
	dir string
}

// Init creates a new repository at dir.
func Init(dir string) (*Repo, error) {
	g, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	return &Repo{g: g, dir: dir}, nil
}

// Open opens an existing repository at dir.
func Open(dir string) (*Repo, error) {
	g, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return &Repo{g: g, dir: dir}, nil
}

// Dir returns the repository root.
func (r *Repo) Dir() string {
	return r.dir
}

// CreateSignedCommit writes files into the worktree, stages them, and
// appends one commit signed by signer. A nil or empty files map with
// allowEmpty produces an empty commit whose tree equals its parent's (or
// the empty tree at the root).
func (r *Repo) CreateSignedCommit(files map[string][]byte, message string, author, committer Identity, signer *sshkey.Key, allowEmpty bool) (string, error) {
	w, err := r.g.Worktree()
	if err != nil {
		return "", err
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		abs := filepath.Join(r.dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(abs, files[p], 0o644); err != nil {
			return "", err
		}
		if _, err := w.Add(p); err != nil {
			return "", fmt.Errorf("stage %s: %w", p, err)
		}
	}

	draftHash, err := w.Commit(message, &git.CommitOptions{
		Author:            &object.Signature{Name: author.Name, Email: author.Email, When: author.When},
		Committer:         &object.Signature{Name: committer.Name, Email: committer.Email, When: committer.When},
		AllowEmptyCommits: allowEmpty,
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	draft, err := r.g.CommitObject(draftHash)
	if err != nil {
		return "", err
	}

	signed := &object.Commit{
		Author:       draft.Author,
		Committer:    draft.Committer,
		Message:      draft.Message,
		TreeHash:     draft.TreeHash,
		ParentHashes: draft.ParentHashes,
		Encoding:     draft.Encoding,
	}
	payload, err := encodeWithoutSignature(signed)
	if err != nil {
		return "", err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign commit: %w", err)
	}
	signed.PGPSignature = string(sig)

	obj := r.g.Storer.NewEncodedObject()
	if err := signed.Encode(obj); err != nil {
		return "", err
	}
	hash, err := r.g.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", err
	}

	head, err := r.g.Head()
	if err != nil {
		return "", err
	}
	if err := r.g.Storer.SetReference(plumbing.NewHashReference(head.Name(), hash)); err != nil {
		return "", err
	}
	return hash.String(), nil
}

// Head returns the current head commit hash.
func (r *Repo) Head() (string, error) {
	head, err := r.g.Head()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCommits, err)
	}
	return head.Hash().String(), nil
}

// Log returns all commits reachable from head in ascending commit time.
func (r *Repo) Log() ([]CommitMeta, error) {
	head, err := r.g.Head()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCommits, err)
	}
	iter, err := r.g.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, err
	}
	var out []CommitMeta
	err = iter.ForEach(func(c *object.Commit) error {
		out = append(out, metaOf(c))
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The iterator yields newest-first; reverse to parent-first so that
	// equal commit dates keep topological order under the stable sort.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CommitDate.Before(out[j].CommitDate)
	})
	return out, nil
}

// CommitMeta returns the metadata of one commit.
func (r *Repo) CommitMeta(hash string) (CommitMeta, error) {
	c, err := r.g.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return CommitMeta{}, fmt.Errorf("commit %s: %w", hash, err)
	}
	return metaOf(c), nil
}

// RootCommits returns the hashes of all parentless commits reachable from
// head, in ascending commit time.
func (r *Repo) RootCommits() ([]string, error) {
	log, err := r.Log()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range log {
		if len(m.ParentHashes) == 0 {
			out = append(out, m.Hash)
		}
	}
	return out, nil
}

// FileAtCommit returns the content of path at the given commit, or
// os.ErrNotExist if the commit's tree has no such file.
func (r *Repo) FileAtCommit(hash, path string) ([]byte, error) {
	c, err := r.g.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, err
	}
	f, err := c.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	s, err := f.Contents()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// PathHistory returns every distinct historical version of path in
// ascending commit time: one entry per commit that changed the blob.
func (r *Repo) PathHistory(path string) ([]PathVersion, error) {
	log, err := r.Log()
	if err != nil {
		return nil, err
	}
	var out []PathVersion
	prevBlob := ""
	for _, m := range log {
		c, err := r.g.CommitObject(plumbing.NewHash(m.Hash))
		if err != nil {
			return nil, err
		}
		f, err := c.File(path)
		if err != nil {
			if errors.Is(err, object.ErrFileNotFound) {
				prevBlob = ""
				continue
			}
			return nil, err
		}
		blob := f.Hash.String()
		if blob == prevBlob {
			continue
		}
		content, err := f.Contents()
		if err != nil {
			return nil, err
		}
		out = append(out, PathVersion{Commit: m, Content: []byte(content)})
		prevBlob = blob
	}
	return out, nil
}

// SignaturePayload returns the bytes a commit's signature covers: the
// commit object serialized without its signature header.
func (r *Repo) SignaturePayload(hash string) ([]byte, error) {
	c, err := r.g.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, err
	}
	stripped := &object.Commit{
		Author:       c.Author,
		Committer:    c.Committer,
		Message:      c.Message,
		TreeHash:     c.TreeHash,
		ParentHashes: c.ParentHashes,
		Encoding:     c.Encoding,
	}
	return encodeWithoutSignature(stripped)
}

func encodeWithoutSignature(c *object.Commit) ([]byte, error) {
	obj := &plumbing.MemoryObject{}
	if err := c.Encode(obj); err != nil {
		return nil, err
	}
	rd, err := obj.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

func metaOf(c *object.Commit) CommitMeta {
	m := CommitMeta{
		Hash:           c.Hash.String(),
		TreeHash:       c.TreeHash.String(),
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.Email,
		AuthorDate:     c.Author.When,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.Email,
		CommitDate:     c.Committer.When,
		Message:        c.Message,
		Signature:      c.PGPSignature,
	}
	for _, p := range c.ParentHashes {
		m.ParentHashes = append(m.ParentHashes, p.String())
	}
	return m
}
