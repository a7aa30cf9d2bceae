// Command duneshelf is the operational CLI for inspecting and exercising
// a duneshelf environment on disk: printing its geometry and tree
// statistics (stat), listing its reader table (check), and serving its
// Prometheus metrics (serve-metrics).
package main

import (
	"fmt"
	"os"

	"github.com/duneshelf/duneshelf/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
