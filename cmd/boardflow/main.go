// Package main provides the entry point for the boardflow CLI.
package main

import (
	"os"

	"github.com/randalmurphal/boardflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
