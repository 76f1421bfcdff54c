package main

import (
	"context"
	"os"

	"github.com/3leaps/primeloop/internal/cmd"
)

// Set by the linker.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute(context.Background()))
}
