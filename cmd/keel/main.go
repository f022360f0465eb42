// Command keel is the operator CLI for the governance core: chain
// verification, override projection and policy history.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the dispatcher entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "overrides":
		return runOverridesCmd(args[2:], stdout, stderr)
	case "policy":
		if len(args) < 3 || args[2] != "log" {
			_, _ = fmt.Fprintln(stderr, "Usage: keel policy log --dir <store>")
			return 2
		}
		return runPolicyLogCmd(args[3:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: keel <command> [flags]

Commands:
  verify     Verify an audit chain file (exit 0 ok, 1 findings, 2 error)
  overrides  Project the active overrides from an override chain
  policy log List policy snapshot versions and hashes`)
}
