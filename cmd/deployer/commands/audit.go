package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/stores"
)

func newAuditCommand() *cobra.Command {
	var filter stores.AuditFilter

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Example: `  deployer audit --session $SESSION
  deployer audit --project web --event session.applied --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				entries, err := a.store.ListAuditEntries(ctx, filter)
				if err != nil {
					return err
				}
				return emit(entries, func() string { return renderAudit(entries) })
			})
		},
	}

	cmd.Flags().StringVar(&filter.ProjectID, "project", "", "filter by project")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "filter by session")
	cmd.Flags().StringVar(&filter.EventType, "event", "", "filter by event type")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum entries")

	return cmd
}

func renderAudit(entries []*engine.AuditEntry) string {
	if len(entries) == 0 {
		return mutedStyle.Render("No audit entries.")
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		outcome := okStyle.Render(string(e.Outcome))
		if e.Outcome != engine.OutcomeSuccess {
			outcome = errorStyle.Render(string(e.Outcome))
		}
		details := ""
		if len(e.Details) > 0 {
			if data, err := json.Marshal(e.Details); err == nil {
				details = mutedStyle.Render(string(data))
			}
		}
		lines = append(lines, fmt.Sprintf("%s  %-24s %-8s %-10s %s %s",
			when(e.Timestamp), e.EventType, outcome, e.Actor, e.SessionID, details))
	}
	return strings.Join(lines, "\n")
}
