package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <session>",
		Short: "Validate, plan and estimate a session",
		Long: `Validate the session's resources against policy and quota, render the
provisioning configuration, run the tool's plan and estimate the monthly cost.

A successful plan leaves the session PLAN_READY for approval. A failed one
leaves it FAILED; start a new session to try again.`,
		Example: `  deployer plan $SESSION`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				log.Info().Str("session_id", args[0]).Msg("Planning session")

				plan := a.orch.RunPlan(ctx, args[0])
				if err := emit(plan, func() string { return renderPlan(plan) }); err != nil {
					return err
				}
				if !plan.Success {
					return fmt.Errorf("plan failed")
				}
				if !jsonOutput {
					fmt.Printf("\nApprove with: deployer approve %s\n", args[0])
				}
				return nil
			})
		},
	}
}
