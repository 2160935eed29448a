// Package main is the entry point for the sessionctl CLI
package main

import (
	"context"
	"os"

	"marketplace-session/internal/cli"
)

// version is set at build time via ldflags
var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).ExecuteContext(context.Background()); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
