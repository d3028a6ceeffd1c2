// Command pravasictl inspects workflow definitions and runs SLA checks offline.
package main

import (
	"fmt"
	"os"

	"github.com/pitabwire/pravasi/internal/cli"
)

// Set at build time via -ldflags "-X main.version=1.0.0".
var version = "dev"

func main() {
	if err := cli.RootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
