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

var retryFailed bool

var failedJobsCmd = &cobra.Command{
	Use:   "failed-jobs [chain_id]",
	Short: "List live events that exhausted their retries",
	Args:  cobra.ExactArgs(1),
	Run:   runFailedJobs,
}

func init() {
	failedJobsCmd.Flags().BoolVar(&retryFailed, "retry", false, "move the failed jobs back onto the queue")
	rootCmd.AddCommand(failedJobsCmd)
}

func runFailedJobs(cmd *cobra.Command, args []string) {
	chainID := args[0]
	ctx := context.Background()
	w := openWatcher(ctx)
	defer w.Close()

	if retryFailed {
		n, err := w.RetryFailed(ctx, chainID)
		if err != nil {
			slog.Error("Failed to requeue jobs", "chain", chainID, "error", err)
			os.Exit(1)
		}
		fmt.Printf("Requeued %d job(s) for %s\n", n, chainID)
		return
	}

	jobs, err := w.FailedJobs(ctx, chainID)
	if err != nil {
		slog.Error("Failed to list failed jobs", "chain", chainID, "error", err)
		os.Exit(1)
	}
	if len(jobs) == 0 {
		fmt.Printf("No failed jobs for %s\n", chainID)
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(tw, "BLOCK\tLOG\tEVENT\tATTEMPTS\tFAILED_AT\tERROR")
	for _, job := range jobs {
		failedAt := "-"
		if job.FailedAt != nil {
			failedAt = job.FailedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\t%s\n",
			job.Event.Ref.BlockNumber,
			job.Event.Ref.LogIndex,
			job.Event.Kind,
			job.Attempts,
			failedAt,
			job.LastError,
		)
	}
	_ = tw.Flush()
}
