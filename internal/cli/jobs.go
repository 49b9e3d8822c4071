package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/garnizeh/terrace/internal/jobs"
)

// NewJobsCommand inspects the background job queue.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the background job queue",
	}
	cmd.AddCommand(newJobsStatsCommand(rootOpts))
	cmd.AddCommand(newJobsDeadLettersCommand(rootOpts))
	return cmd
}

func newJobsStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			stats, err := jobs.NewRepository(e.conn).Stats(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "stats failed", err)
			}
			if rootOpts.Format == "json" {
				return emit(cmd.OutOrStdout(), rootOpts.Format, stats, "")
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", k, stats[k])
			}
			return nil
		},
	}
}

func newJobsDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List jobs that exhausted their attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			dead, err := jobs.NewRepository(e.conn).ListDeadLetters(ctx, limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "listing dead letters failed", err)
			}
			if rootOpts.Format == "json" {
				return emit(cmd.OutOrStdout(), rootOpts.Format, dead, "")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tATTEMPTS\tFAILED AT\tERROR")
			for _, d := range dead {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", d.JobID, d.Type, d.Attempts, d.FailedAt.Format(time.RFC3339), d.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	return cmd
}
