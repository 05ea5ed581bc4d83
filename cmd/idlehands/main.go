// Command idlehands is the entry point for the IdleHands autonomous coding
// agent CLI. It wires configuration loading, credential resolution, the
// turn engine, and the Anton task-file runner behind a cobra command tree.
package main

import (
	"fmt"
	"os"

	"github.com/visorcraft/idlehands/cmd/idlehands/commands"
	"github.com/visorcraft/idlehands/pkg/idlehands/engine"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error onto the exit codes its CLI
// surface names: 0 success, 1 runtime failure, 2 usage error, 130
// SIGINT/cancel. Anything not classifiable falls back to 1.
func exitCodeFor(err error) int {
	switch engine.ClassifyError(err) {
	case engine.KindUserInput:
		return 2
	case engine.KindCancelled:
		return 130
	default:
		return 1
	}
}
