package provenance

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openintegrity/goi/pkg/crypto"
)

// ErrUnsafeGeneratorPath is returned when generator state would be written
// outside the VCS metadata directory. Generator material must never be able
// to reach the commit tree.
var ErrUnsafeGeneratorPath = errors.New("generator state path is not under a .git directory")

// State is the persisted generator form. res and nextSeq are always
// plaintext; seed, chainID, and rngState are hex, or the cipher field form
// when an encryption key is configured.
type State struct {
	Res      string `json:"res"`
	NextSeq  uint32 `json:"nextSeq"`
	Seed     string `json:"seed"`
	ChainID  string `json:"chainID"`
	RNGState string `json:"rngState"`
}

// Save writes the generator state to path as canonical JSON. When fc is
// non-nil the sensitive fields are sealed with it. The path must contain a
// .git component.
func (g *Generator) Save(path string, fc *crypto.FieldCipher) error {
	if !underGitDir(path) {
		return fmt.Errorf("%w: %s", ErrUnsafeGeneratorPath, path)
	}
	data, err := g.StateJSON(fc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Load reads generator state from path. When fc is non-nil, sealed fields
// are opened with it; plaintext fields load with or without a cipher.
func Load(path string, fc *crypto.FieldCipher) (*Generator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := ParseState(data, fc)
	if err != nil {
		return nil, fmt.Errorf("generator state %s: %w", path, err)
	}
	return g, nil
}

// ParseState reconstructs a generator from serialized state bytes.
func ParseState(data []byte, fc *crypto.FieldCipher) (*Generator, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return fromState(st, fc)
}

// StateJSON returns the canonical JSON state of the generator, with
// sensitive fields sealed when fc is non-nil.
func (g *Generator) StateJSON(fc *crypto.FieldCipher) ([]byte, error) {
	st := State{
		Res:      string(g.res),
		NextSeq:  g.nextSeq,
		Seed:     hex.EncodeToString(g.seed),
		ChainID:  hex.EncodeToString(g.chainID),
		RNGState: hex.EncodeToString(g.rngKey),
	}
	if fc != nil {
		var err error
		if st.Seed, err = fc.Encrypt(st.Seed); err != nil {
			return nil, fmt.Errorf("seal generator seed: %w", err)
		}
		if st.ChainID, err = fc.Encrypt(st.ChainID); err != nil {
			return nil, fmt.Errorf("seal generator chainID: %w", err)
		}
		if st.RNGState, err = fc.Encrypt(st.RNGState); err != nil {
			return nil, fmt.Errorf("seal generator rngState: %w", err)
		}
	}
	return crypto.CanonicalJSON(st)
}

func fromState(st State, fc *crypto.FieldCipher) (*Generator, error) {
	res := Resolution(st.Res)
	if res.LinkLen() == 0 {
		return nil, fmt.Errorf("generator state: unknown resolution %q", st.Res)
	}
	seedHex, chainHex, rngHex := st.Seed, st.ChainID, st.RNGState
	if fc != nil {
		var err error
		if seedHex, err = fc.Decrypt(seedHex); err != nil {
			return nil, fmt.Errorf("open generator seed: %w", err)
		}
		if chainHex, err = fc.Decrypt(chainHex); err != nil {
			return nil, fmt.Errorf("open generator chainID: %w", err)
		}
		if rngHex, err = fc.Decrypt(rngHex); err != nil {
			return nil, fmt.Errorf("open generator rngState: %w", err)
		}
	} else if crypto.IsEncrypted(seedHex) || crypto.IsEncrypted(chainHex) || crypto.IsEncrypted(rngHex) {
		return nil, errors.New("generator state is encrypted and no key is configured")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("generator seed: %w", err)
	}
	chainID, err := hex.DecodeString(chainHex)
	if err != nil {
		return nil, fmt.Errorf("generator chainID: %w", err)
	}
	rngKey, err := hex.DecodeString(rngHex)
	if err != nil {
		return nil, fmt.Errorf("generator rngState: %w", err)
	}
	if len(rngKey) != 32 {
		return nil, errors.New("generator rngState has wrong width")
	}
	g := &Generator{res: res, seed: seed, rngKey: rngKey, chainID: chainID, nextSeq: st.NextSeq}
	if len(chainID) != res.LinkLen() {
		return nil, fmt.Errorf("generator chainID width %d does not match resolution %q", len(chainID), res)
	}
	return g, nil
}

func underGitDir(path string) bool {
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, part := range strings.Split(clean, "/") {
		if part == ".git" {
			return true
		}
	}
	return false
}
