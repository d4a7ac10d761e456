package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/deployer/pkg/engine"
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0")).Width(16)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#5B8DEF")).Padding(0, 1)
)

func stateStyle(state engine.SessionState) lipgloss.Style {
	switch state {
	case engine.StateApplied, engine.StatePlanReady:
		return okStyle
	case engine.StateFailed:
		return errorStyle
	case engine.StateApproved, engine.StateApplying, engine.StatePlanning, engine.StateValidating:
		return titleStyle
	case engine.StateCancelled, engine.StateExpired:
		return mutedStyle
	default:
		return lipgloss.NewStyle()
	}
}

// emit prints v as JSON with --json, otherwise the rendered view.
func emit(v interface{}, view func() string) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Println(view())
	return nil
}

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func renderSession(s *engine.Session) string {
	lines := []string{
		titleStyle.Render("Session " + s.ID),
		field("State", stateStyle(s.State).Render(string(s.State))),
		field("Project", s.ProjectID),
		field("User", s.UserID),
		field("Target", fmt.Sprintf("%s / %s", s.Provider, s.Region)),
		field("Created", when(s.CreatedAt)),
		field("Expires", when(s.ExpiresAt)),
	}
	if s.ApprovedBy != "" {
		approved := s.ApprovedBy
		if s.ApprovedAt != nil {
			approved += " at " + when(*s.ApprovedAt)
		}
		lines = append(lines, field("Approved by", approved))
	}

	lines = append(lines, "", titleStyle.Render(fmt.Sprintf("Resources (%d)", len(s.Resources))))
	if len(s.Resources) == 0 {
		lines = append(lines, mutedStyle.Render("  none declared"))
	}
	for _, r := range s.Resources {
		lines = append(lines, fmt.Sprintf("  %s %s %s", r.Name, mutedStyle.Render(string(r.Type)), renderConfig(r.Config)))
	}

	if s.Validation != nil && !s.Validation.Admitted {
		lines = append(lines, "", errorStyle.Render("Policy violations"))
		for _, v := range s.Validation.Violations {
			lines = append(lines, "  "+v)
		}
	}
	if s.Plan != nil {
		lines = append(lines, "", renderPlan(s.Plan))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderConfig(config map[string]interface{}) string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, config[k]))
	}
	return mutedStyle.Render(strings.Join(parts, " "))
}

func renderPlan(p *engine.PlanResult) string {
	status := okStyle.Render("succeeded")
	if !p.Success {
		status = errorStyle.Render("failed")
	}

	lines := []string{
		titleStyle.Render("Plan ") + status,
		field("Changes", fmt.Sprintf("+%d ~%d -%d", p.ResourcesToAdd, p.ResourcesToChange, p.ResourcesToDestroy)),
		field("Cost", fmt.Sprintf("%s/hour, %s/month", money(p.HourlyCost), money(p.MonthlyCost))),
	}
	for _, e := range p.Errors {
		lines = append(lines, errorStyle.Render("✗ ")+e)
	}
	for _, w := range p.Warnings {
		lines = append(lines, warningStyle.Render("! ")+w)
	}
	return strings.Join(lines, "\n")
}

func renderSessionList(sessions []*engine.Session) string {
	if len(sessions) == 0 {
		return mutedStyle.Render("No sessions.")
	}
	lines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		lines = append(lines, fmt.Sprintf("%s  %-11s  %-10s %2d resource(s)  %s",
			s.ID,
			stateStyle(s.State).Render(string(s.State)),
			s.ProjectID,
			len(s.Resources),
			mutedStyle.Render("expires "+when(s.ExpiresAt)),
		))
	}
	return strings.Join(lines, "\n")
}

func renderQuotas(quotas []engine.Quota) string {
	if len(quotas) == 0 {
		return mutedStyle.Render("No quotas configured.")
	}
	lines := []string{titleStyle.Render("Quotas")}
	for _, q := range quotas {
		limit, remaining := "unlimited", "-"
		if q.Limit != nil {
			limit = strconv.Itoa(*q.Limit)
			remaining = strconv.Itoa(q.Remaining())
		}
		lines = append(lines, field(string(q.ResourceType), fmt.Sprintf("%d used of %s (%s left)", q.Used, limit, remaining)))
	}
	return strings.Join(lines, "\n")
}

func renderDeployments(records []*engine.DeploymentRecord) string {
	if len(records) == 0 {
		return mutedStyle.Render("No deployments.")
	}
	lines := []string{titleStyle.Render("Deployments")}
	for _, d := range records {
		ref := d.CommitRef
		if len(ref) > 12 {
			ref = ref[:12]
		}
		line := fmt.Sprintf("%s  %s  %s  %d resource(s)  %s/month  approved by %s  %s",
			when(d.CompletedAt), stateStyle(d.Status).Render(string(d.Status)), d.SessionID,
			d.ResourceCount, money(d.MonthlyCost), d.ApprovedBy, mutedStyle.Render(ref))
		if d.Error != "" {
			line += "\n    " + errorStyle.Render(d.Error)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
