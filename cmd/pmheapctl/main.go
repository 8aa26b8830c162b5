// pmheapctl is the administration tool for pmheap pool files: it creates,
// verifies and inspects pools, and can serve allocator metrics.
package main

import (
	"fmt"
	"os"

	"github.com/marmos91/pmheap/cmd/pmheapctl/commands"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
