// Package main provides the entry point for the sharedb CLI.
package main

import (
	"fmt"
	"os"

	"github.com/hupe1980/sharedb/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
