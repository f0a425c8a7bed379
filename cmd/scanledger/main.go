// Command scanledger imports scan exports and queries the ledger from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/lvonguyen/scanledger/cmd/scanledger/cmd"
)

// Version information (injected at build time via ldflags)
var Version = "dev"

func main() {
	cmd.SetVersion(Version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
