package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print geometry and main-tree statistics for an environment",
		Args:  cobra.NoArgs,
		RunE:  runStat,
	}
}

func runStat(cmd *cobra.Command, args []string) error {
	env, err := openEnv(true)
	if err != nil {
		return err
	}
	defer env.Close()

	stat, err := env.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	info, err := env.Info(nil)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}

	if jsonFlag {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"stat": stat, "info": info})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "page size:      %d\n", stat.PageSize)
	fmt.Fprintf(out, "tree depth:     %d\n", stat.Depth)
	fmt.Fprintf(out, "branch pages:   %d\n", stat.BranchPages)
	fmt.Fprintf(out, "leaf pages:     %d\n", stat.LeafPages)
	fmt.Fprintf(out, "overflow pages: %d\n", stat.OverflowPages)
	fmt.Fprintf(out, "entries:        %d\n", stat.Entries)
	fmt.Fprintf(out, "last txn id:    %d\n", info.LastTxnID)
	fmt.Fprintf(out, "map size:       %d\n", info.MapSize)
	fmt.Fprintf(out, "num readers:    %d / %d\n", info.NumReaders, info.MaxReaders)
	return nil
}
