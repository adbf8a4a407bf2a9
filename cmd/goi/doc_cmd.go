package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/openintegrity/goi/pkg/verifier"
)

// runDocCmd implements `goi doc`: verification of one child provenance
// document.
func runDocCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doc", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		path       string
		mark       string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "dir", ".", "Repository directory")
	cmd.StringVar(&path, "path", "", "Repo-relative document path, e.g. .o/decisions/policy-v1.yaml (REQUIRED)")
	cmd.StringVar(&mark, "mark", "", "Published mark identifier for this document")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		fmt.Fprintln(stderr, "Error: --path is required")
		return 2
	}

	report, err := verifier.VerifyDocument(dir, path, verifier.Options{Mark: mark})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		status := "PASSED"
		if !report.Valid {
			status = "FAILED"
		}
		fmt.Fprintf(stdout, "Document verification %s\n", status)
		fmt.Fprintf(stdout, "  Path:      %s (self-reference %v, registry %v)\n", path, report.DocumentPathValid, report.DocumentsMapValid)
		fmt.Fprintf(stdout, "  XID:       %s\n", report.XID)
		fmt.Fprintf(stdout, "  Versions:  %d\n", report.ProvenanceVersions)
		for _, issue := range report.Issues {
			fmt.Fprintf(stdout, "  - %s\n", issue)
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}
