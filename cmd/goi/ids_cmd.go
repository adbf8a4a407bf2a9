package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/openintegrity/goi/pkg/repoid"
	"github.com/openintegrity/goi/pkg/vcs"
)

// runIdsCmd implements `goi ids`: every identifier .repo-identifier has
// ever held, newest first.
func runIdsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ids", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var dir string
	cmd.StringVar(&dir, "dir", ".", "Repository directory")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	repo, err := vcs.Open(dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ids, err := repoid.Identifiers(repo)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if len(ids) == 0 {
		fmt.Fprintln(stdout, "No repository identifiers found")
		return 1
	}
	for _, id := range ids {
		fmt.Fprintln(stdout, id)
	}
	return 0
}
