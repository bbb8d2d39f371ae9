// Package main is the entry point for the nanoclaw CLI.
package main

import (
	"os"

	"github.com/hitsmaxft/nanoclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
