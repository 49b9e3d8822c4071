package cli

import (
	"github.com/spf13/cobra"
)

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute denormalized counters from the underlying rows",
		Long: `Recompute solution_count, endorsement_count, total_solutions and
problems_solved from the rows they summarize. Only drifted rows are written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.svc.Reconcile(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "reconcile failed", err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, report,
				"corrected problems=%d solutions=%d agents=%d", report.Problems, report.Solutions, report.Agents)
		},
	}
}
