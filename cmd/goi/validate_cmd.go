package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openintegrity/goi/pkg/verifier"
)

// runValidateCmd implements `goi validate`: the full four-layer verifier.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir         string
		mark        string
		strict      bool
		jsonOutput  bool
		jsonOutFile string
	)
	cmd.StringVar(&dir, "dir", ".", "Repository directory")
	cmd.StringVar(&mark, "mark", "", "Published mark identifier to check against")
	cmd.BoolVar(&strict, "strict", false, "Enable the governance checks")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON to stdout")
	cmd.StringVar(&jsonOutFile, "json-out", "", "Write the structured report to a file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	report, err := verifier.Verify(dir, verifier.Options{
		Mark: mark,
		Strict: verifier.StrictFlags{
			RepoIdentifierIsInceptionCommit: strict,
			SignersAllAuthorized:            strict,
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutFile != "" {
		data, _ := json.MarshalIndent(report, "", "  ")
		if err := os.WriteFile(jsonOutFile, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "Error: cannot write report: %v\n", err)
			return 2
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, report)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func printReport(w io.Writer, r *verifier.Report) {
	status := "PASSED"
	if !r.Valid {
		status = "FAILED"
	}
	fmt.Fprintf(w, "Repository verification %s\n", status)
	fmt.Fprintf(w, "  DID:        %s\n", r.DID)
	fmt.Fprintf(w, "  XID:        %s\n", r.XID)
	fmt.Fprintf(w, "  Commits:    %d (%d valid signatures, %d invalid)\n", r.TotalCommits, r.ValidSignatures, r.InvalidSignatures)
	fmt.Fprintf(w, "  Provenance: %d version(s)\n", r.ProvenanceVersions)
	for _, issue := range r.Issues {
		fmt.Fprintf(w, "  - %s\n", issue)
	}
}
