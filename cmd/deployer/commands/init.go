package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		tool    string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a deployer workspace",
		Long: `Initialize a workspace: the data directory, the SQLite database and a
deployer.yaml with default settings.`,
		Example: `  # Initialize in the current directory
  deployer init

  # Use OpenTofu and a custom data directory
  deployer init --tool tofu --data-dir /var/lib/deployer`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}

			cfg := config.Default()
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if tool != "" {
				cfg.Runner.Binary = tool
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log.Info().Str("config", path).Str("data_dir", cfg.DataDir).Msg("Initializing workspace")

			for _, dir := range []string{cfg.DataDir, cfg.SessionsDir(), cfg.RepositoriesDir()} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("%s Created directory: %s\n", okStyle.Render("✓"), dir)
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("%s Initialized database: %s\n", okStyle.Render("✓"), cfg.DatabasePath())

			if err := cfg.Write(path); err != nil {
				return err
			}
			fmt.Printf("%s Created config file: %s\n", okStyle.Render("✓"), path)

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  1. Register a project:\n")
			fmt.Printf("     deployer project create web --budget 500\n\n")
			fmt.Printf("  2. Start a session:\n")
			fmt.Printf("     deployer session start --project web --provider aws --region us-east-1\n\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default .deployer)")
	cmd.Flags().StringVar(&tool, "tool", "", "provisioning tool binary (terraform or tofu)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
