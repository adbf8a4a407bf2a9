package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/openintegrity/goi/pkg/integrity"
	"github.com/openintegrity/goi/pkg/provdoc"
	"github.com/openintegrity/goi/pkg/vcs"
)

// runDoctorCmd implements `goi doctor` — environment and repository health
// check.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var dir string
	cmd.StringVar(&dir, "dir", ".", "Repository directory")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	type checkResult struct {
		Name   string
		Status string // "ok", "warn", "fail"
		Detail string
	}
	var results []checkResult
	allOK := true

	if _, err := vcs.Open(dir); err != nil {
		results = append(results, checkResult{"repository", "fail", err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{"repository", "ok", dir})

		docPath := filepath.Join(dir, filepath.FromSlash(provdoc.InceptionPath))
		if data, err := os.ReadFile(docPath); err != nil {
			results = append(results, checkResult{"inception_document", "warn", "not present (run goi init)"})
		} else if err := provdoc.ValidateHeader(data); err != nil {
			results = append(results, checkResult{"inception_document", "fail", err.Error()})
			allOK = false
		} else {
			results = append(results, checkResult{"inception_document", "ok", provdoc.InceptionPath})
		}

		genPath := filepath.Join(dir, filepath.FromSlash(integrity.InceptionGeneratorPath))
		if _, err := os.Stat(genPath); err != nil {
			results = append(results, checkResult{"generator_state", "warn", "not present (verification still works; authoring does not)"})
		} else {
			results = append(results, checkResult{"generator_state", "ok", integrity.InceptionGeneratorPath})
		}
	}

	fmt.Fprintln(stdout, "goi doctor")
	fmt.Fprintln(stdout, "----------")
	for _, r := range results {
		fmt.Fprintf(stdout, "  [%-4s] %-20s %s\n", r.Status, r.Name, r.Detail)
	}
	if allOK {
		return 0
	}
	return 1
}
