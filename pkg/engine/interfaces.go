package engine

import (
	"context"
)

// Store persists sessions and their side records.
type Store interface {
	// GetProject retrieves a project; a missing project yields a not-found error.
	GetProject(ctx context.Context, id string) (*Project, error)

	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session with its resources.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession persists the mutable fields of a session.
	UpdateSession(ctx context.Context, session *Session) error

	// AppendResource persists one resource appended to a session.
	AppendResource(ctx context.Context, sessionID string, resource *Resource) error

	// ListSessionsByUser lists a user's sessions, newest first.
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*Session, error)

	// ListQuotas lists the quotas of a project.
	ListQuotas(ctx context.Context, projectID string) ([]Quota, error)

	// RecordQuotaUsage atomically adds usage to a project's quota counters.
	RecordQuotaUsage(ctx context.Context, projectID string, usage map[ResourceType]int) error

	// CreateAuditEntry appends an audit record.
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error

	// RecordDeployment appends a deployment history entry.
	RecordDeployment(ctx context.Context, record *DeploymentRecord) error

	// SaveStateSnapshot stores a provisioning state snapshot keyed by project and session.
	SaveStateSnapshot(ctx context.Context, snapshot *StateSnapshot) error
}

// ValidationRequest is the input to a policy and quota decision.
type ValidationRequest struct {
	User      string     `json:"user"`
	ProjectID string     `json:"project_id"`
	Provider  Provider   `json:"provider"`
	Region    string     `json:"region"`
	Resources []Resource `json:"resources"`
}

// Validator admits or denies a proposed resource set.
type Validator interface {
	Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error)
}

// VersionControl keeps a per-project history of applied configuration.
type VersionControl interface {
	// InitProject initializes the working area of a project. It is idempotent.
	InitProject(ctx context.Context, projectID string) error

	// Commit writes files into the project's working area and commits them,
	// returning the commit reference.
	Commit(ctx context.Context, projectID string, files map[string][]byte, message, author string) (string, error)
}

// Runner drives the provisioning tool inside one working directory.
type Runner interface {
	// Plan initializes the working directory and produces a plan artifact.
	Plan(ctx context.Context) (*PlanResult, error)

	// Apply applies the previously produced plan artifact, delivering output
	// lines to onLine as they arrive.
	Apply(ctx context.Context, onLine func(line string)) (*CommandResult, error)
}

// ConfigRenderer materializes a session's resources into provisioning tool
// configuration files, keyed by file name.
type ConfigRenderer interface {
	Render(session *Session) (map[string][]byte, error)
}
