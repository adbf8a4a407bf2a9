package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsZeroConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Author.Name)
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
author:
  name: Alice
  email: alice@example.com
keys:
  first_trust: ~/.ssh/id_ed25519
provenance:
  resolution: quartile
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Alice", cfg.Author.Name)
	assert.Equal(t, "alice@example.com", cfg.Author.Email)
	assert.Equal(t, "~/.ssh/id_ed25519", cfg.Keys.FirstTrust)
	assert.Equal(t, "quartile", cfg.Provenance.Resolution)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOI_AUTHOR_NAME", "Override")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "Override", cfg.Author.Name)
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goi.yaml")
	require.NoError(t, os.WriteFile(path, []byte("author: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
