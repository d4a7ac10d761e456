package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
)

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage deployment projects",
		Long: `Projects are the deployment targets sessions deploy into. Each project has
an optional monthly budget, per-type resource quotas and its own git history
of applied configuration.`,
	}

	cmd.AddCommand(newProjectCreateCommand())
	cmd.AddCommand(newProjectListCommand())
	cmd.AddCommand(newProjectShowCommand())
	cmd.AddCommand(newProjectBudgetCommand())

	return cmd
}

func newProjectCreateCommand() *cobra.Command {
	var (
		name   string
		budget float64
	)

	cmd := &cobra.Command{
		Use:     "create <id>",
		Short:   "Register a project",
		Example: `  deployer project create web --name "Web frontend" --budget 500`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				project := &engine.Project{ID: args[0], Name: name, MonthlyBudget: budget}
				if project.Name == "" {
					project.Name = project.ID
				}
				if err := a.store.CreateProject(ctx, project); err != nil {
					return err
				}
				if err := a.git.InitProject(ctx, project.ID); err != nil {
					return err
				}
				a.logger.Info().Str("project_id", project.ID).Float64("budget", budget).Msg("Project created")
				return emit(project, func() string {
					return fmt.Sprintf("%s Created project %s", okStyle.Render("✓"), project.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Float64Var(&budget, "budget", 0, "monthly budget in USD (0 for none)")

	return cmd
}

func newProjectListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				projects, err := a.store.ListProjects(ctx)
				if err != nil {
					return err
				}
				return emit(projects, func() string {
					if len(projects) == 0 {
						return mutedStyle.Render("No projects.")
					}
					lines := make([]string, 0, len(projects))
					for _, p := range projects {
						budget := mutedStyle.Render("no budget")
						if p.MonthlyBudget > 0 {
							budget = money(p.MonthlyBudget) + "/month"
						}
						lines = append(lines, field(p.ID, p.Name+"  "+budget))
					}
					return strings.Join(lines, "\n")
				})
			})
		},
	}
}

func newProjectShowCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project with its quotas and recent deployments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				project, err := a.store.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				quotas, err := a.orch.GetProjectQuota(ctx, project.ID)
				if err != nil {
					return err
				}
				deployments, err := a.store.ListDeployments(ctx, project.ID, limit)
				if err != nil {
					return err
				}

				out := struct {
					Project     *engine.Project            `json:"project"`
					Quotas      []engine.Quota             `json:"quotas"`
					Deployments []*engine.DeploymentRecord `json:"deployments"`
				}{project, quotas, deployments}

				return emit(out, func() string {
					budget := "none"
					if project.MonthlyBudget > 0 {
						budget = money(project.MonthlyBudget) + "/month"
					}
					return boxStyle.Render(strings.Join([]string{
						titleStyle.Render("Project " + project.ID),
						field("Name", project.Name),
						field("Budget", budget),
						field("Created", when(project.CreatedAt)),
						"",
						renderQuotas(quotas),
						"",
						renderDeployments(deployments),
					}, "\n"))
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of deployments to show")

	return cmd
}

func newProjectBudgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "budget <id> <monthly-usd>",
		Short:   "Set the monthly budget of a project",
		Example: `  deployer project budget web 750`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var budget float64
			if _, err := fmt.Sscanf(args[1], "%g", &budget); err != nil || budget < 0 {
				return fmt.Errorf("invalid budget %q", args[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.store.SetProjectBudget(ctx, args[0], budget); err != nil {
					return err
				}
				fmt.Printf("%s Budget of %s set to %s/month\n", okStyle.Render("✓"), args[0], money(budget))
				return nil
			})
		},
	}
}
