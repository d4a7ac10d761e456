package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
)

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage deployment sessions",
		Long: `A session collects resource declarations for one deployment. It moves from
DRAFT through planning and approval to APPLIED, and expires when left idle
past its time to live.`,
	}

	cmd.AddCommand(newSessionStartCommand())
	cmd.AddCommand(newSessionShowCommand())
	cmd.AddCommand(newSessionListCommand())
	cmd.AddCommand(newSessionCancelCommand())

	return cmd
}

func newSessionStartCommand() *cobra.Command {
	var (
		project  string
		provider string
		region   string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a session",
		Example: `  deployer session start --project web --provider aws --region us-east-1 --ttl 8h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if ttl == 0 {
					ttl = a.cfg.Session.DefaultTTL
				}
				s, err := a.orch.StartSession(ctx, actor, project, engine.Provider(provider), region, ttl)
				if err != nil {
					return err
				}
				return emit(s, func() string {
					return fmt.Sprintf("%s Started session %s (expires %s)", okStyle.Render("✓"), s.ID, when(s.ExpiresAt))
				})
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project to deploy into")
	cmd.Flags().StringVar(&provider, "provider", "aws", "cloud provider (aws, gcp, azure)")
	cmd.Flags().StringVarP(&region, "region", "r", "", "provider region")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "session time to live (default from config)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("region")

	return cmd
}

func newSessionShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				s, ok := a.orch.GetSession(ctx, args[0])
				if !ok {
					return fmt.Errorf("session %s not found or expired", args[0])
				}
				return emit(s, func() string { return renderSession(s) })
			})
		},
	}
}

func newSessionListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the acting user's sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				sessions := a.orch.GetUserSessions(ctx, actor)
				return emit(sessions, func() string { return renderSessionList(sessions) })
			})
		},
	}
}

func newSessionCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session>",
		Short: "Cancel a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.orch.Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("%s Cancelled session %s\n", okStyle.Render("✓"), args[0])
				return nil
			})
		},
	}
}
