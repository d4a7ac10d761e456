package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

func newApproveCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "approve <session>",
		Short: "Approve a plan and apply it",
		Long: `Approve a PLAN_READY session and apply its plan. The command waits for the
apply to finish; --follow streams the tool's output meanwhile.

An interrupted apply is not resumed or retried. Inspect the session and the
provider before starting a new session.`,
		Example: `  deployer approve $SESSION --follow`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			sessionID := args[0]

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if follow && !jsonOutput {
					unsubscribe := a.orch.Subscribe(sessionID, func(e telemetry.Event) {
						switch e.Type {
						case telemetry.EventTypeApplyOutput:
							fmt.Println(mutedStyle.Render("│ ") + e.Message)
						case telemetry.EventTypeStateChanged:
							fmt.Println(titleStyle.Render("→ ") + e.Message)
						}
					})
					defer unsubscribe()
				}

				if err := a.orch.Approve(ctx, sessionID, actor); err != nil {
					return err
				}
				if err := a.orch.Wait(ctx, sessionID); err != nil {
					return fmt.Errorf("stopped waiting for apply: %w", err)
				}

				s, ok := a.orch.GetSession(ctx, sessionID)
				if !ok {
					return fmt.Errorf("session %s not found after apply", sessionID)
				}
				if err := emit(s, func() string { return renderSession(s) }); err != nil {
					return err
				}
				if s.State != engine.StateApplied {
					return fmt.Errorf("apply finished in state %s", s.State)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream apply output")

	return cmd
}
