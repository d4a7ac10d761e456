package engine

import (
	"time"
)

// Session represents one deployment attempt, from resource declaration through
// apply or termination.
type Session struct {
	// ID is the unique, opaque session identifier.
	ID string `json:"id"`

	// ProjectID is the project the session deploys into.
	ProjectID string `json:"project_id"`

	// UserID is the operator who started the session.
	UserID string `json:"user_id"`

	// Provider is the cloud provider targeted by every resource in the session.
	Provider Provider `json:"provider"`

	// Region is the provider region.
	Region string `json:"region"`

	// Resources are the declared resources in insertion order.
	Resources []Resource `json:"resources"`

	// State is the current lifecycle state.
	State SessionState `json:"state"`

	// CreatedAt is when the session was started.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the session was last mutated.
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is the absolute expiry of the session.
	ExpiresAt time.Time `json:"expires_at"`

	// Plan is the result of the most recent plan invocation.
	Plan *PlanResult `json:"plan,omitempty"`

	// Validation is the result of the most recent validation.
	Validation *ValidationResult `json:"validation,omitempty"`

	// ApprovedBy is the actor who approved the plan.
	ApprovedBy string `json:"approved_by,omitempty"`

	// ApprovedAt is when the plan was approved.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	// WorkDir is the provisioning tool working directory owned by this session.
	WorkDir string `json:"work_dir"`
}

// IsExpired reports whether the session has outlived its expiry at now.
// Terminal sessions never expire, and neither do sessions whose apply is
// scheduled or running.
func (s *Session) IsExpired(now time.Time) bool {
	if s.State.IsTerminal() || s.State == StateApproved || s.State == StateApplying {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// IsLocked reports whether the resource list is frozen.
func (s *Session) IsLocked() bool {
	return s.State.IsLocked()
}

// CanModify reports whether resources may be appended.
func (s *Session) CanModify() bool {
	return s.State.IsMutable()
}

// CanApprove reports whether the session holds a successful plan awaiting approval.
func (s *Session) CanApprove() bool {
	return s.State == StatePlanReady && s.Plan != nil && s.Plan.Success
}

// ResourceCounts returns the quota units declared per type; see
// Resource.Units.
func (s *Session) ResourceCounts() map[ResourceType]int {
	return CountUnits(s.Resources)
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Resources = make([]Resource, len(s.Resources))
	for i := range s.Resources {
		c.Resources[i] = s.Resources[i].Clone()
	}
	if s.Plan != nil {
		p := *s.Plan
		p.Errors = append([]string(nil), s.Plan.Errors...)
		p.Warnings = append([]string(nil), s.Plan.Warnings...)
		c.Plan = &p
	}
	if s.Validation != nil {
		v := *s.Validation
		v.Violations = append([]string(nil), s.Validation.Violations...)
		v.Warnings = append([]string(nil), s.Validation.Warnings...)
		c.Validation = &v
	}
	if s.ApprovedAt != nil {
		t := *s.ApprovedAt
		c.ApprovedAt = &t
	}
	return &c
}

// PlanResult is the outcome of one plan invocation.
type PlanResult struct {
	// Success indicates the plan completed without errors.
	Success bool `json:"success"`

	// ResourcesToAdd is the number of resources the plan creates.
	ResourcesToAdd int `json:"resources_to_add"`

	// ResourcesToChange is the number of resources the plan updates in place.
	ResourcesToChange int `json:"resources_to_change"`

	// ResourcesToDestroy is the number of resources the plan destroys.
	ResourcesToDestroy int `json:"resources_to_destroy"`

	// Diff is the (truncated) raw plan output.
	Diff string `json:"diff,omitempty"`

	// Errors are human-readable failure messages.
	Errors []string `json:"errors,omitempty"`

	// Warnings are tool warnings, cost notes and recommendations.
	Warnings []string `json:"warnings,omitempty"`

	// HourlyCost is the estimated hourly cost of the full resource set.
	HourlyCost float64 `json:"hourly_cost"`

	// MonthlyCost is the estimated monthly cost of the full resource set.
	MonthlyCost float64 `json:"monthly_cost"`

	// PlanFile is the plan artifact the apply step must target.
	PlanFile string `json:"plan_file,omitempty"`

	// PlannedAt is when the plan was captured.
	PlannedAt time.Time `json:"planned_at"`
}

// HasChanges reports whether the plan adds, changes or destroys anything.
func (p *PlanResult) HasChanges() bool {
	return p.ResourcesToAdd > 0 || p.ResourcesToChange > 0 || p.ResourcesToDestroy > 0
}

// FailedPlan builds an unsuccessful plan result from error messages.
func FailedPlan(errs ...string) *PlanResult {
	return &PlanResult{
		Success:   false,
		Errors:    errs,
		PlannedAt: time.Now().UTC(),
	}
}

// ValidationResult is the admit/deny decision of the policy and quota validator.
type ValidationResult struct {
	// Admitted indicates the resource set may proceed to planning.
	Admitted bool `json:"admitted"`

	// Violations lists the reasons for denial.
	Violations []string `json:"violations,omitempty"`

	// Warnings lists advisory findings that do not block.
	Warnings []string `json:"warnings,omitempty"`

	// ValidatedAt is when validation ran.
	ValidatedAt time.Time `json:"validated_at"`
}

// CommandResult is the outcome of one provisioning-tool invocation.
type CommandResult struct {
	// Command is the tool subcommand that ran (init, plan, apply, destroy).
	Command string `json:"command"`

	// Success indicates the process exited zero.
	Success bool `json:"success"`

	// ExitCode is the process exit code, or -1 if it never started.
	ExitCode int `json:"exit_code"`

	// Output is the combined stdout and stderr.
	Output string `json:"output"`

	// Duration is how long the process ran.
	Duration time.Duration `json:"duration"`
}

// Project is a deployment target owned by a team.
type Project struct {
	// ID is the project identifier.
	ID string `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// MonthlyBudget is the monthly cost budget; zero means none is configured.
	MonthlyBudget float64 `json:"monthly_budget"`

	// CreatedAt is when the project was registered.
	CreatedAt time.Time `json:"created_at"`
}

// Quota is the administrative bound on resources of one type in a project.
type Quota struct {
	// ProjectID is the owning project.
	ProjectID string `json:"project_id"`

	// ResourceType is the resource type the quota bounds.
	ResourceType ResourceType `json:"resource_type"`

	// Limit is the upper bound; nil means unlimited.
	Limit *int `json:"limit,omitempty"`

	// Used is the current usage count.
	Used int `json:"used"`
}

// Remaining returns the headroom under the quota, or -1 when unlimited.
func (q Quota) Remaining() int {
	if q.Limit == nil {
		return -1
	}
	if r := *q.Limit - q.Used; r > 0 {
		return r
	}
	return 0
}

// Allows reports whether requested additional resources fit under the quota.
func (q Quota) Allows(requested int) bool {
	return q.Limit == nil || q.Used+requested <= *q.Limit
}

// AuditEntry is one record of the audit trail.
type AuditEntry struct {
	ID        int64                  `json:"id"`
	EventType string                 `json:"event_type"`
	Actor     string                 `json:"actor"`
	ProjectID string                 `json:"project_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Outcome   AuditOutcome           `json:"outcome"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Audit event types.
const (
	AuditSessionStarted   = "session.started"
	AuditResourceAdded    = "session.resource_added"
	AuditSessionValidated = "session.validated"
	AuditPlanCompleted    = "session.planned"
	AuditSessionApproved  = "session.approved"
	AuditApplyCompleted   = "session.applied"
	AuditSessionCancelled = "session.cancelled"
	AuditSessionExpired   = "session.expired"
)

// DeploymentRecord is one entry of a project's deployment history.
type DeploymentRecord struct {
	ID            int64         `json:"id"`
	ProjectID     string        `json:"project_id"`
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	ApprovedBy    string        `json:"approved_by"`
	Status        SessionState  `json:"status"`
	ResourceCount int           `json:"resource_count"`
	MonthlyCost   float64       `json:"monthly_cost"`
	CommitRef     string        `json:"commit_ref,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// StateSnapshot is the provisioning tool's state file captured after an apply.
type StateSnapshot struct {
	ProjectID  string    `json:"project_id"`
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	Hash       string    `json:"hash"`
	CapturedAt time.Time `json:"captured_at"`
}
