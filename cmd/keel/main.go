package main

import (
	"os"

	"github.com/leonletto/keel/internal/cli"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

func main() {
	rootCmd := cli.NewRootCmd(Version, Build)
	if err := rootCmd.Execute(); err != nil {
		cli.RenderError(err)
		os.Exit(1)
	}
}
