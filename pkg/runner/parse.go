package runner

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	summaryPattern   = regexp.MustCompile(`(\d+) to add, (\d+) to change, (\d+) to destroy`)
	noChangesPattern = regexp.MustCompile(`No changes\.`)
	warningPattern   = regexp.MustCompile(`(?m)^[\s│╷]*Warning: (.+)$`)
	errorPattern     = regexp.MustCompile(`(?m)^[\s│╷]*Error: (.+)$`)
)

// PlanSummary is the information extracted from plan output.
type PlanSummary struct {
	Add       int
	Change    int
	Destroy   int
	NoChanges bool
	Warnings  []string
}

// HasChanges reports whether any count is non-zero.
func (s PlanSummary) HasChanges() bool {
	return s.Add > 0 || s.Change > 0 || s.Destroy > 0
}

// ParsePlanOutput extracts the change summary and warnings from plan output.
// The "No changes." sentinel forces all counts to zero. At most MaxMessages
// warnings are kept.
func ParsePlanOutput(output string) PlanSummary {
	var s PlanSummary

	if m := summaryPattern.FindStringSubmatch(output); m != nil {
		s.Add, _ = strconv.Atoi(m[1])
		s.Change, _ = strconv.Atoi(m[2])
		s.Destroy, _ = strconv.Atoi(m[3])
	}

	if noChangesPattern.MatchString(output) {
		s.NoChanges = true
		s.Add, s.Change, s.Destroy = 0, 0, 0
	}

	s.Warnings = extract(warningPattern, output, MaxMessages)
	return s
}

// ExtractErrors returns up to MaxMessages "Error:" lines from tool output.
func ExtractErrors(output string) []string {
	return extract(errorPattern, output, MaxMessages)
}

func extract(pattern *regexp.Regexp, output string, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range pattern.FindAllStringSubmatch(output, -1) {
		msg := strings.TrimSpace(m[1])
		if msg == "" || seen[msg] {
			continue
		}
		seen[msg] = true
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out
}
