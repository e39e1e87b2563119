// Command kaigi runs the council deliberation server.
package main

import (
	"fmt"
	"os"
)

// Build-time version information (set via ldflags).
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
