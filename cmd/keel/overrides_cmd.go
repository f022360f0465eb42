package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/keel-labs/keel/pkg/auditchain"
	"github.com/keel-labs/keel/pkg/auditchain/override"
)

// runOverridesCmd implements `keel overrides`: the active-override
// projection over an override chain file.
func runOverridesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("overrides", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		chainFile  string
		at         string
		jsonOutput bool
	)
	cmd.StringVar(&chainFile, "chain", "", "Path to the override chain file (REQUIRED)")
	cmd.StringVar(&at, "at", "", "Project at this RFC3339 instant (default: now)")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the projection as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if chainFile == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --chain is required")
		return 2
	}

	instant := time.Now().UTC()
	if at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: bad --at instant: %v\n", err)
			return 2
		}
		instant = parsed
	}

	// Projection runs over the raw records; a chain that fails linkage or
	// override event rules must not feed a projection.
	if findings, err := override.Verify(chainFile); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	} else if len(findings) > 0 {
		_, _ = fmt.Fprintf(stderr, "Error: chain has %d finding(s), refusing to project\n", len(findings))
		return 1
	}

	chain, err := auditchain.Open(chainFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	active := override.ActiveOverrides(chain.Records(), instant)
	targets := make([]string, 0, len(active))
	for target := range active {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	if jsonOutput {
		ordered := make([]override.Active, 0, len(targets))
		for _, target := range targets {
			ordered = append(ordered, active[target])
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ordered); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}

	if len(targets) == 0 {
		_, _ = fmt.Fprintln(stdout, "No active overrides")
		return 0
	}
	for _, target := range targets {
		a := active[target]
		_, _ = fmt.Fprintf(stdout, "%s  approved_by=%s  expires=%s\n",
			target, a.Approver, a.ExpiresAt.Format(time.RFC3339))
	}
	return 0
}
