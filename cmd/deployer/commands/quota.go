package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
)

func newQuotaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Manage project resource quotas",
	}

	cmd.AddCommand(newQuotaSetCommand())
	cmd.AddCommand(newQuotaShowCommand())

	return cmd
}

func newQuotaSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <project> <resource-type> <limit|unlimited>",
		Short: "Set the quota of one resource type",
		Example: `  deployer quota set web compute_instance 10
  deployer quota set web managed_database unlimited`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType := engine.ResourceType(args[1])
			if err := resourceType.Validate(); err != nil {
				return err
			}

			var limit *int
			if args[2] != "unlimited" {
				n, err := strconv.Atoi(args[2])
				if err != nil || n < 0 {
					return fmt.Errorf("invalid limit %q", args[2])
				}
				limit = &n
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if _, err := a.store.GetProject(ctx, args[0]); err != nil {
					return err
				}
				if err := a.store.SetQuota(ctx, args[0], resourceType, limit); err != nil {
					return err
				}
				fmt.Printf("%s Quota for %s in %s set to %s\n", okStyle.Render("✓"), resourceType, args[0], args[2])
				return nil
			})
		},
	}
}

func newQuotaShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project>",
		Short: "Show the quotas of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				quotas, err := a.orch.GetProjectQuota(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(quotas, func() string { return renderQuotas(quotas) })
			})
		},
	}
}
