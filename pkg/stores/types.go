package stores

import (
	"context"
	"database/sql"

	"github.com/openfroyo/deployer/pkg/engine"
)

// AuditFilter narrows ListAuditEntries. Empty fields match everything.
type AuditFilter struct {
	ProjectID string
	SessionID string
	EventType string
	Limit     int
	Offset    int
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.Store

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Project operations
	CreateProject(ctx context.Context, project *engine.Project) error
	ListProjects(ctx context.Context) ([]*engine.Project, error)
	SetProjectBudget(ctx context.Context, id string, budget float64) error

	// Quota administration
	SetQuota(ctx context.Context, projectID string, resourceType engine.ResourceType, limit *int) error

	// Session queries
	ListSessionsByState(ctx context.Context, states ...engine.SessionState) ([]*engine.Session, error)

	// History
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*engine.AuditEntry, error)
	ListDeployments(ctx context.Context, projectID string, limit int) ([]*engine.DeploymentRecord, error)
	GetStateSnapshot(ctx context.Context, projectID, sessionID string) (*engine.StateSnapshot, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
