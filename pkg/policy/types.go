package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that deny the resource set.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Validate checks if the severity is known.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a "deny"
	// set whose members are messages or {message, severity, resource} objects.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the deployer. Reloading policy
	// files never removes them.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the name of the offending resource, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// String renders the violation for a ValidationResult.
func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed indicates no blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies evaluate, exposed to Rego as "input".
type Input struct {
	User      string          `json:"user"`
	ProjectID string          `json:"project_id"`
	Provider  string          `json:"provider"`
	Region    string          `json:"region"`
	Resources []ResourceInput `json:"resources"`
	Context   *Context        `json:"context"`
}

// ResourceInput is one resource as seen by policies.
type ResourceInput struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	Provider string                 `json:"provider"`
	Config   map[string]interface{} `json:"config"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being gated (e.g., "validate", "plan").
	Operation string `json:"operation"`
}

// NewInput builds the policy input for a validation request.
func NewInput(req engine.ValidationRequest, operation string) *Input {
	in := &Input{
		User:      req.User,
		ProjectID: req.ProjectID,
		Provider:  string(req.Provider),
		Region:    req.Region,
		Resources: make([]ResourceInput, 0, len(req.Resources)),
		Context: &Context{
			Timestamp: time.Now().UTC(),
			Operation: operation,
		},
	}
	for i := range req.Resources {
		r := &req.Resources[i]
		config := r.Config
		if config == nil {
			config = map[string]interface{}{}
		}
		in.Resources = append(in.Resources, ResourceInput{
			ID:       r.ID,
			Name:     r.Name,
			Type:     string(r.Type),
			Provider: string(r.Provider),
			Config:   config,
		})
	}
	return in
}
