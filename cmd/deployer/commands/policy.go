package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the built-in and loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				policies := a.policies.ListPolicies()
				return emit(policies, func() string {
					lines := make([]string, 0, len(policies))
					for _, p := range policies {
						status := okStyle.Render("enabled ")
						if !p.Enabled {
							status = mutedStyle.Render("disabled")
						}
						origin := "file"
						if p.Builtin {
							origin = "built-in"
						}
						lines = append(lines, field(p.Name, status+"  "+mutedStyle.Render(origin)+"  "+p.Description))
					}
					return strings.Join(lines, "\n")
				})
			})
		},
	})

	return cmd
}
