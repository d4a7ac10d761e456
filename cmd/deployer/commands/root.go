package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
	actor      string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deployer",
		Short: "Plan-first infrastructure deployment sessions",
		Long: `deployer collects cloud resource declarations into a session, checks them
against policy and quota, plans them with Terraform or OpenTofu, estimates
their cost and applies the plan only after explicit approval.

Every applied configuration is committed to a per-project git repository and
every step is recorded in the audit trail.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./deployer.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&actor, "user", "u", defaultActor(), "acting user")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newProjectCommand())
	rootCmd.AddCommand(newQuotaCommand())
	rootCmd.AddCommand(newSessionCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newPresetCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

// defaultActor is the acting user when --user is not given.
func defaultActor() string {
	if u := os.Getenv("DEPLOYER_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

func requireActor() error {
	if actor == "" {
		return fmt.Errorf("no acting user: pass --user or set DEPLOYER_USER")
	}
	return nil
}
