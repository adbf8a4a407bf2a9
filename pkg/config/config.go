// Package config loads the optional goi.yaml configuration file: author
// identity, key locations, and generator defaults for the CLI. Environment
// variables override file values.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up relative to the working directory.
const DefaultPath = "goi.yaml"

// Config is the CLI-side configuration.
type Config struct {
	Author struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
	} `yaml:"author"`
	Keys struct {
		FirstTrust string `yaml:"first_trust"`
		Provenance string `yaml:"provenance"`
	} `yaml:"keys"`
	Provenance struct {
		Resolution string `yaml:"resolution"`
		Passphrase string `yaml:"passphrase"`
	} `yaml:"provenance"`
}

// Load reads path (or DefaultPath when empty). A missing file yields the
// zero config without error; a malformed file is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GOI_AUTHOR_NAME"); v != "" {
		c.Author.Name = v
	}
	if v := os.Getenv("GOI_AUTHOR_EMAIL"); v != "" {
		c.Author.Email = v
	}
	if v := os.Getenv("GOI_FIRST_TRUST_KEY"); v != "" {
		c.Keys.FirstTrust = v
	}
	if v := os.Getenv("GOI_PROVENANCE_KEY"); v != "" {
		c.Keys.Provenance = v
	}
	if v := os.Getenv("GOI_RESOLUTION"); v != "" {
		c.Provenance.Resolution = v
	}
	if v := os.Getenv("GOI_PASSPHRASE"); v != "" {
		c.Provenance.Passphrase = v
	}
}
