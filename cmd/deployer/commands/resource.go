package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/orchestrator"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Declare resources in a session",
	}

	cmd.AddCommand(newResourceAddCommand())

	return cmd
}

func newResourceAddCommand() *cobra.Command {
	var (
		name   string
		preset string
		sets   []string
	)

	cmd := &cobra.Command{
		Use:   "add <session> [resource-type]",
		Short: "Add a resource to a draft session",
		Long: `Add a resource to a session in DRAFT. Configuration is given as key=value
pairs; values are parsed as YAML, so numbers, booleans and [lists] keep their
types. With --preset the resource is built from a preset and the pairs are
its parameters.`,
		Example: `  deployer resource add $SESSION compute_instance --name web --set size=t3.small --set disk_size_gb=40
  deployer resource add $SESSION network --set cidr=10.0.0.0/16 --set "subnets=[10.0.1.0/24, 10.0.2.0/24]"
  deployer resource add $SESSION --preset postgres --name orders --set storage_gb=100`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseSets(sets)
			if err != nil {
				return err
			}
			if name != "" {
				values[orchestrator.NameKey] = name
			}

			switch {
			case preset == "" && len(args) != 2:
				return fmt.Errorf("a resource type or --preset is required")
			case preset != "" && len(args) == 2:
				return fmt.Errorf("give either a resource type or --preset, not both")
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var res *engine.Resource
				if preset != "" {
					res, err = a.orch.AppendPreset(ctx, args[0], preset, values)
				} else {
					res, err = a.orch.AppendResource(ctx, args[0], engine.ResourceType(args[1]), values)
				}
				if err != nil {
					return err
				}
				return emit(res, func() string {
					return fmt.Sprintf("%s Added %s %s", okStyle.Render("✓"), res.Type, res.Name)
				})
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "resource name")
	cmd.Flags().StringVar(&preset, "preset", "", "build the resource from a preset")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "configuration key=value (repeatable)")

	return cmd
}

// parseSets decodes key=value pairs, reading each value as YAML.
func parseSets(sets []string) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(sets))
	for _, set := range sets {
		key, raw, ok := strings.Cut(set, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", set)
		}

		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if value == nil {
			value = raw
		}
		values[key] = value
	}
	return values, nil
}
