package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cursors and health of all indexed chains",
	Args:  cobra.NoArgs,
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	w := openWatcher(ctx)
	defer w.Close()

	chains, err := w.Chains(ctx)
	if err != nil {
		slog.Error("Failed to list chains", "error", err)
		os.Exit(1)
	}
	report := w.Health(ctx)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(tw, "CHAIN\tNAME\tSYNCED\tLIVE\tHEAD\tLAG\tQUEUE\tFAILED\tSTATUS\tUPDATED")

	for _, bc := range chains {
		h := report[bc.ChainID]
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d:%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			bc.ChainID,
			bc.Name,
			bc.LastSyncedBlock,
			bc.LastProcessedBlockNumber,
			bc.LastProcessedLogIndex,
			h.HeadBlock,
			h.BlockLag,
			h.QueueDepth,
			h.FailedJobs,
			h.Status,
			bc.UpdatedAt.Format(time.RFC3339),
		)
	}
	_ = tw.Flush()
}
