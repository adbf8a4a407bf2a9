package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func writeKeyFiles(t *testing.T, dir string) (trustKey, provKey string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	trustKey = filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(trustKey, pem.EncodeToMemory(block), 0o600))

	provKey = filepath.Join(dir, "provenance.seed")
	require.NoError(t, os.WriteFile(provKey, []byte("cli provenance seed material"), 0o600))
	return trustKey, provKey
}

func TestInitThenValidate(t *testing.T) {
	keys := t.TempDir()
	repoDir := filepath.Join(t.TempDir(), "repo")
	trustKey, provKey := writeKeyFiles(t, keys)

	var out, errOut bytes.Buffer
	code := Run([]string{"goi", "init", "GordianOpenIntegrity",
		"--first-trust-key", trustKey,
		"--provenance-key", provKey,
		"--dir", repoDir,
		"--name", "Alice", "--email", "alice@example.com",
	}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())
	assert.Contains(t, out.String(), "DID:  did:repo:")

	out.Reset()
	code = Run([]string{"goi", "validate", "GordianOpenIntegrity", "--dir", repoDir}, &out, &errOut)
	assert.Equal(t, 0, code, "stderr: %s\nstdout: %s", errOut.String(), out.String())
	assert.Contains(t, out.String(), "PASSED")

	out.Reset()
	code = Run([]string{"goi", "validate", "--dir", repoDir, "--mark", "00000000"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "FAILED")

	out.Reset()
	code = Run([]string{"goi", "ids", "--dir", repoDir}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out.String(), "did:repo:"))

	out.Reset()
	code = Run([]string{"goi", "doctor", "--dir", repoDir}, &out, &errOut)
	assert.Equal(t, 0, code, "stdout: %s", out.String())
}

func TestValidateJSONOut(t *testing.T) {
	keys := t.TempDir()
	repoDir := filepath.Join(t.TempDir(), "repo")
	trustKey, provKey := writeKeyFiles(t, keys)

	var out, errOut bytes.Buffer
	code := Run([]string{"goi", "init",
		"--first-trust-key", trustKey, "--provenance-key", provKey,
		"--dir", repoDir, "--name", "Bob", "--email", "bob@example.com",
	}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())

	reportPath := filepath.Join(t.TempDir(), "report.json")
	out.Reset()
	code = Run([]string{"goi", "validate", "--dir", repoDir, "--json", "--json-out", reportPath}, &out, &errOut)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), `"valid": true`)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"totalCommits": 2`)
}

func TestInitMissingFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"goi", "init"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "required")
}

func TestUnknownVerb(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"goi", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
}
