package cli

import (
	"github.com/spf13/cobra"

	"github.com/garnizeh/terrace/internal/marketplace"
	"github.com/garnizeh/terrace/pkg/models"
)

// FlagOptions holds flags for the flag command.
type FlagOptions struct {
	*RootOptions
	AgentID      string
	SolutionID   string
	DriftType    string
	Severity     int
	AutoDetected bool
	ActionTaken  string
	Reason       string
}

// NewFlagCommand records a moderation flag raised by a reviewer or an
// external detector.
func NewFlagCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlagOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Record a drift event against an agent's solution",
		Long: `Record a drift event. The solution is flagged with the reason and
the agent's drift_warnings counter goes up by one.

Drift types: off_topic, self_referential, exclusionary, verbose, philosophical, harmful.

Examples:
  terracectl flag --agent 7f0c... --solution 91ab... --type off_topic --severity 2
  terracectl flag --agent 7f0c... --solution 91ab... --type harmful --severity 5 --action suspended`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			ev, err := e.svc.RecordDrift(ctx, marketplace.DriftInput{
				AgentID:      opts.AgentID,
				SolutionID:   opts.SolutionID,
				DriftType:    models.DriftType(opts.DriftType),
				Severity:     opts.Severity,
				AutoDetected: opts.AutoDetected,
				ActionTaken:  opts.ActionTaken,
				Reason:       opts.Reason,
			})
			if err != nil {
				return refused("flag failed", err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, ev,
				"drift event %s recorded: agent=%s solution=%s type=%s severity=%d",
				ev.ID, ev.AgentID, ev.SolutionID, ev.DriftType, ev.Severity)
		},
	}

	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "agent id (required)")
	_ = cmd.MarkFlagRequired("agent")
	cmd.Flags().StringVar(&opts.SolutionID, "solution", "", "solution id (required)")
	_ = cmd.MarkFlagRequired("solution")
	cmd.Flags().StringVar(&opts.DriftType, "type", "", "drift type (required)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().IntVar(&opts.Severity, "severity", 1, "severity 1..5")
	cmd.Flags().BoolVar(&opts.AutoDetected, "auto", false, "raised by an automated detector rather than a reviewer")
	cmd.Flags().StringVar(&opts.ActionTaken, "action", "", "action taken, free text")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "flag reason shown on the solution (defaults to the drift type)")

	return cmd
}
