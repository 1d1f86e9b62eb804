// Command dedupctl provides offline maintenance tools for a dedupcore
// engine's on-disk state: consistency checking, chunk-index restoration,
// and diagnostic operation-log replay.
package main

import (
	"fmt"
	"os"

	"github.com/dedupcore/engine/cmd/dedupctl/commands"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.Version = version
	commands.Commit = commit

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
