// Package cli implements the duneshelf command-line tool's subcommands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overwritten at build time via -ldflags.
var Version = "dev"

var (
	jsonFlag bool
	dbPath   string
	noSubdir bool
)

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	root := newRootCmd()
	root.AddCommand(newStatCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newServeMetricsCmd())
	return root
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "duneshelf",
		Short:         "Inspect and operate a duneshelf environment",
		Long:          "duneshelf — CLI for inspecting geometry and tree statistics of a duneshelf environment, and for serving its Prometheus metrics.",
		Version:       fmt.Sprintf("duneshelf v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.StringVarP(&dbPath, "path", "p", "", "Path to the environment's data file or directory (required)")
	pflags.BoolVar(&noSubdir, "no-subdir", false, "Treat --path as a single data file rather than a directory")
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Output as JSON")

	return rootCmd
}

// Execute runs the CLI's root command.
func Execute() error {
	return NewRootCmd().Execute()
}
