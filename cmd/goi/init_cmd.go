package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openintegrity/goi/pkg/audit"
	"github.com/openintegrity/goi/pkg/config"
	"github.com/openintegrity/goi/pkg/crypto"
	"github.com/openintegrity/goi/pkg/integrity"
	"github.com/openintegrity/goi/pkg/provenance"
	"github.com/openintegrity/goi/pkg/sshkey"
)

// runInitCmd implements `goi init`: repository identifier plus inception
// provenance document.
//
// Exit codes:
//
//	0 = repository initialized
//	2 = usage or runtime error
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		firstTrustKey string
		provenanceKey string
		dir           string
		name          string
		email         string
		resolution    string
		passphrase    string
		configPath    string
	)
	cmd.StringVar(&firstTrustKey, "first-trust-key", "", "Path to the OpenSSH signing key (REQUIRED)")
	cmd.StringVar(&provenanceKey, "provenance-key", "", "Path to the provenance seed key (REQUIRED)")
	cmd.StringVar(&dir, "dir", ".", "Repository directory")
	cmd.StringVar(&name, "name", "", "Author name")
	cmd.StringVar(&email, "email", "", "Author email")
	cmd.StringVar(&resolution, "resolution", "", "Mark resolution: low, medium, quartile, high")
	cmd.StringVar(&passphrase, "passphrase", "", "Passphrase sealing generator state at rest")
	cmd.StringVar(&configPath, "config", "", "Config file (default goi.yaml)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if firstTrustKey == "" {
		firstTrustKey = cfg.Keys.FirstTrust
	}
	if provenanceKey == "" {
		provenanceKey = cfg.Keys.Provenance
	}
	if name == "" {
		name = cfg.Author.Name
	}
	if email == "" {
		email = cfg.Author.Email
	}
	if resolution == "" {
		resolution = cfg.Provenance.Resolution
	}
	if passphrase == "" {
		passphrase = cfg.Provenance.Passphrase
	}
	if firstTrustKey == "" || provenanceKey == "" {
		fmt.Fprintln(stderr, "Error: --first-trust-key and --provenance-key are required")
		return 2
	}
	if name == "" || email == "" {
		fmt.Fprintln(stderr, "Error: author identity required (--name/--email or goi.yaml)")
		return 2
	}

	signer, err := sshkey.ParsePrivateFile(firstTrustKey)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	seed, err := os.ReadFile(provenanceKey)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var encKey []byte
	if passphrase != "" {
		encKey = crypto.DeriveKey(passphrase)
	}

	res, err := integrity.Init(integrity.InitOptions{
		Dir:            dir,
		SigningKey:     signer,
		ProvenanceSeed: seed,
		AuthorName:     name,
		AuthorEmail:    email,
		Resolution:     provenance.Resolution(resolution),
		EncryptionKey:  encKey,
		Audit:          audit.NewTrailWithWriter(io.Discard),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	fmt.Fprintf(stdout, "Initialized Gordian Open Integrity repository\n")
	fmt.Fprintf(stdout, "  DID:  %s\n", res.DID)
	fmt.Fprintf(stdout, "  XID:  %s\n", res.XID)
	fmt.Fprintf(stdout, "  Mark: %s\n", res.MarkID)
	return 0
}
