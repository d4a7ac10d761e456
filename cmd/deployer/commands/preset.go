package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

func newPresetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preset",
		Short: "Inspect resource presets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the built-in and configured presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				presets := a.presets.List()
				return emit(presets, func() string {
					lines := make([]string, 0, len(presets))
					for _, p := range presets {
						desc := p.Description
						if p.Source != "" {
							desc += "  " + mutedStyle.Render(p.Source)
						}
						lines = append(lines, field(p.Name, desc))
					}
					return strings.Join(lines, "\n")
				})
			})
		},
	})

	return cmd
}
