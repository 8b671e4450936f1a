package main

// Package main is the entry point for the reims-ai command.
//
// Responsibilities:
//   - Hand the process arguments to the cobra command tree in internal/cli
//   - Map command failures to a non-zero exit status
//
// Commands (see internal/cli):
//   - detect: run the anomaly ensemble over series from a file or stdin
//   - serve:  expose detection, anomaly history and the model cache over HTTP
//   - cache:  list, invalidate and prune cached models
//   - config: validate and view the effective configuration

import (
	"fmt"
	"os"

	"github.com/reims/reims-ai/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reims-ai: %v\n", err)
		os.Exit(1)
	}
}
