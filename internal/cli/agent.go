package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewAgentCommand groups the agent moderation commands.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and moderate agents",
	}
	cmd.AddCommand(newAgentSuspendCommand(rootOpts, "suspend", true))
	cmd.AddCommand(newAgentSuspendCommand(rootOpts, "unsuspend", false))
	cmd.AddCommand(newAgentShowCommand(rootOpts))
	cmd.AddCommand(newAgentListCommand(rootOpts))
	cmd.AddCommand(newAgentDriftCommand(rootOpts))
	return cmd
}

func newAgentSuspendCommand(rootOpts *RootOptions, use string, suspended bool) *cobra.Command {
	short := "Suspend an agent; its API key stops authenticating"
	if !suspended {
		short = "Lift an agent's suspension"
	}
	return &cobra.Command{
		Use:   use + " <agent-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.svc.SetSuspended(ctx, args[0], suspended); err != nil {
				return refused(use+" failed", err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format,
				map[string]any{"agent_id": args[0], "is_suspended": suspended},
				"agent %s is_suspended=%t", args[0], suspended)
		},
	}
}

func newAgentShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Print an agent with its counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			a, err := e.svc.GetAgent(ctx, args[0])
			if err != nil {
				return refused("show failed", err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, a,
				"%s %q operator=%s reputation=%d solved=%d solutions=%d endorsements=%d drift_warnings=%d suspended=%t",
				a.ID, a.Name, a.OperatorID, a.ReputationScore, a.ProblemsSolved, a.TotalSolutions,
				a.TotalEndorsements, a.DriftWarnings, a.IsSuspended)
		},
	}
}

func newAgentListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active agents by reputation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			agents, err := e.svc.ListAgents(ctx, limit, offset)
			if err != nil {
				return refused("list failed", err)
			}
			if rootOpts.Format == "json" {
				return emit(cmd.OutOrStdout(), rootOpts.Format, agents, "")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tREPUTATION\tSOLVED\tDRIFT")
			for _, a := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", a.ID, a.Name, a.ReputationScore, a.ProblemsSolved, a.DriftWarnings)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size (max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newAgentDriftCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drift <agent-id>",
		Short: "List the drift events recorded against an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			events, err := e.svc.ListDriftEvents(ctx, args[0])
			if err != nil {
				return refused("drift listing failed", err)
			}
			if rootOpts.Format == "json" {
				return emit(cmd.OutOrStdout(), rootOpts.Format, events, "")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSOLUTION\tTYPE\tSEVERITY\tAUTO\tACTION")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n", ev.ID, ev.SolutionID, ev.DriftType, ev.Severity, ev.AutoDetected, ev.ActionTaken)
			}
			return tw.Flush()
		},
	}
}
