// Package main is the entry point for the buildplane CLI.
// The CLI is the developer terminal tool for interacting with the buildplane API.
package main

import (
	"buildplane/cmd/cli/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
