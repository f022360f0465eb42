package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/keel-labs/keel/pkg/policy"
)

// runPolicyLogCmd implements `keel policy log`: snapshot versions and
// their content hashes, oldest first.
func runPolicyLogCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy log", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var dir string
	cmd.StringVar(&dir, "dir", "", "Policy store directory (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dir is required")
		return 2
	}

	store, err := policy.Open(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	versions, err := store.Versions()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if len(versions) == 0 {
		_, _ = fmt.Fprintln(stdout, "Empty store (not bootstrapped)")
		return 0
	}

	for _, version := range versions {
		snap, err := store.LoadVersion(version)
		if err != nil {
			// Integrity failures are verification results, not usage errors.
			_, _ = fmt.Fprintf(stdout, "v%04d  INTEGRITY FAILURE: %v\n", version, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "v%04d  sha256:%s\n", snap.Version, snap.SHA256)
	}
	return 0
}
