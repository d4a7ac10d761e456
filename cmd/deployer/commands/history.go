package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/vcs"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and restore applied configuration",
		Long: `Every successful apply commits the rendered configuration to the project's
git repository under sessions/<id>/. These commands read that history.`,
	}

	cmd.AddCommand(newHistoryLogCommand())
	cmd.AddCommand(newHistoryDiffCommand())
	cmd.AddCommand(newHistoryTagCommand())
	cmd.AddCommand(newHistoryRollbackCommand())
	cmd.AddCommand(newHistoryStateCommand())

	return cmd
}

func newHistoryLogCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log <project>",
		Short: "List configuration commits, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				commits, err := a.git.Log(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return emit(commits, func() string { return renderCommits(commits) })
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of commits to show")

	return cmd
}

func renderCommits(commits []vcs.Commit) string {
	if len(commits) == 0 {
		return mutedStyle.Render("No commits.")
	}
	lines := make([]string, 0, len(commits))
	for _, c := range commits {
		lines = append(lines, fmt.Sprintf("%s  %s  %s  %s",
			warningStyle.Render(c.Ref[:min(12, len(c.Ref))]), when(c.Timestamp), mutedStyle.Render(c.Author), c.Message))
	}
	return strings.Join(lines, "\n")
}

func newHistoryDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "diff <project> <from> [to]",
		Short:   "Show the configuration change between two commits",
		Example: `  deployer history diff web HEAD~1 HEAD`,
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := "HEAD"
			if len(args) == 3 {
				to = args[2]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				diff, err := a.git.Diff(ctx, args[0], args[1], to)
				if err != nil {
					return err
				}
				fmt.Print(diff)
				return nil
			})
		},
	}
}

func newHistoryTagCommand() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:     "tag <project> <tag> [ref]",
		Short:   "Tag a configuration commit",
		Example: `  deployer history tag web release-2026-03 --message "March release"`,
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 3 {
				ref = args[2]
			}
			if message == "" {
				message = args[1]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.git.Tag(ctx, args[0], args[1], ref, message); err != nil {
					return err
				}
				fmt.Printf("%s Tagged %s in %s\n", okStyle.Render("✓"), args[1], args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "tag message")

	return cmd
}

func newHistoryRollbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <project> <ref>",
		Short: "Restore the configuration of an earlier commit",
		Long: `Restore the repository tree of ref as a new commit. This rewrites the
recorded configuration only; plan and apply a session to change the
deployed infrastructure.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ref, err := a.git.Rollback(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				fmt.Printf("%s Restored %s as %s\n", okStyle.Render("✓"), args[1], ref)
				return nil
			})
		},
	}
}

func newHistoryStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state <project> <session>",
		Short: "Print the provisioning state captured after an apply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				snapshot, err := a.store.GetStateSnapshot(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return emit(snapshot, func() string { return snapshot.State })
			})
		},
	}
}
