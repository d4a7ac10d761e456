package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/deployer/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection with foreign keys, a busy timeout and
// WAL journaling enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	dsn := s.cfg.Path + "?" + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// CreateProject registers a project.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *engine.Project) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO projects (id, name, monthly_budget, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		project.ID,
		project.Name,
		project.MonthlyBudget,
		project.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	return nil
}

// GetProject retrieves a project by ID
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*engine.Project, error) {
	query := `
		SELECT id, name, monthly_budget, created_at
		FROM projects
		WHERE id = ?
	`

	project := &engine.Project{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&project.ID,
		&project.Name,
		&project.MonthlyBudget,
		&project.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("project not found: %s", id), nil).
			WithCode(engine.ErrCodeProjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// ListProjects lists all projects ordered by ID
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*engine.Project, error) {
	query := `
		SELECT id, name, monthly_budget, created_at
		FROM projects
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []*engine.Project{}
	for rows.Next() {
		project := &engine.Project{}
		if err := rows.Scan(&project.ID, &project.Name, &project.MonthlyBudget, &project.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// SetProjectBudget updates the monthly budget of a project
func (s *SQLiteStore) SetProjectBudget(ctx context.Context, id string, budget float64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE projects SET monthly_budget = ? WHERE id = ?`, budget, id)
	if err != nil {
		return fmt.Errorf("failed to update project budget: %w", err)
	}
	return expectRow(result, "project", id)
}

// SetQuota sets the limit of one resource type in a project; a nil limit
// removes the bound. Usage is preserved.
func (s *SQLiteStore) SetQuota(ctx context.Context, projectID string, resourceType engine.ResourceType, limit *int) error {
	if limit != nil && *limit < 0 {
		return fmt.Errorf("quota limit must not be negative: %d", *limit)
	}

	query := `
		INSERT INTO quotas (project_id, resource_type, quota_limit, used, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (project_id, resource_type)
		DO UPDATE SET quota_limit = excluded.quota_limit, updated_at = excluded.updated_at
	`

	var limitArg sql.NullInt64
	if limit != nil {
		limitArg = sql.NullInt64{Int64: int64(*limit), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, query, projectID, string(resourceType), limitArg, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set quota: %w", err)
	}

	return nil
}

// ListQuotas lists the quotas of a project ordered by resource type
func (s *SQLiteStore) ListQuotas(ctx context.Context, projectID string) ([]engine.Quota, error) {
	query := `
		SELECT project_id, resource_type, quota_limit, used
		FROM quotas
		WHERE project_id = ?
		ORDER BY resource_type ASC
	`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotas: %w", err)
	}
	defer rows.Close()

	quotas := []engine.Quota{}
	for rows.Next() {
		var (
			q     engine.Quota
			limit sql.NullInt64
		)
		if err := rows.Scan(&q.ProjectID, &q.ResourceType, &limit, &q.Used); err != nil {
			return nil, fmt.Errorf("failed to scan quota: %w", err)
		}
		if limit.Valid {
			l := int(limit.Int64)
			q.Limit = &l
		}
		quotas = append(quotas, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quotas: %w", err)
	}

	return quotas, nil
}

// RecordQuotaUsage adds usage to a project's quota counters in a single
// transaction. Types without a quota row get an unlimited one.
func (s *SQLiteStore) RecordQuotaUsage(ctx context.Context, projectID string, usage map[engine.ResourceType]int) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO quotas (project_id, resource_type, quota_limit, used, updated_at)
		VALUES (?, ?, NULL, ?, ?)
		ON CONFLICT (project_id, resource_type)
		DO UPDATE SET used = used + excluded.used, updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	for resourceType, n := range usage {
		if n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, projectID, string(resourceType), n, now); err != nil {
			return fmt.Errorf("failed to record quota usage for %s: %w", resourceType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quota usage: %w", err)
	}

	return nil
}

// CreateSession persists a new session record together with any resources
// it already holds.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *engine.Session) error {
	plan, err := nullJSON(session.Plan)
	if err != nil {
		return err
	}
	validation, err := nullJSON(session.Validation)
	if err != nil {
		return err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO sessions (
			id, project_id, user_id, provider, region, state, work_dir,
			plan, validation, approved_by, approved_at,
			created_at, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		session.ID,
		session.ProjectID,
		session.UserID,
		string(session.Provider),
		session.Region,
		string(session.State),
		session.WorkDir,
		plan,
		validation,
		nullString(session.ApprovedBy),
		nullTime(session.ApprovedAt),
		session.CreatedAt.UTC(),
		session.UpdatedAt.UTC(),
		session.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	for i := range session.Resources {
		if err := insertResource(ctx, tx, session.ID, &session.Resources[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	return nil
}

const sessionColumns = `
	id, project_id, user_id, provider, region, state, work_dir,
	plan, validation, approved_by, approved_at,
	created_at, updated_at, expires_at
`

// GetSession retrieves a session with its resources
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*engine.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("session not found: %s", id), nil).
			WithCode(engine.ErrCodeSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if err := s.loadResources(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

// UpdateSession persists the mutable fields of a session. Resources are
// appended separately through AppendResource.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *engine.Session) error {
	plan, err := nullJSON(session.Plan)
	if err != nil {
		return err
	}
	validation, err := nullJSON(session.Validation)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET state = ?, work_dir = ?, plan = ?, validation = ?,
			approved_by = ?, approved_at = ?, updated_at = ?, expires_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(session.State),
		session.WorkDir,
		plan,
		validation,
		nullString(session.ApprovedBy),
		nullTime(session.ApprovedAt),
		session.UpdatedAt.UTC(),
		session.ExpiresAt.UTC(),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	return expectRow(result, "session", session.ID)
}

// AppendResource persists one resource at the end of a session's list
func (s *SQLiteStore) AppendResource(ctx context.Context, sessionID string, resource *engine.Resource) error {
	return insertResource(ctx, s.db, sessionID, resource)
}

// ListSessionsByUser lists a user's sessions, newest first. A limit of zero
// or less lists all of them.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*engine.Session, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	return s.listSessions(ctx, query, userID, limit)
}

// ListSessionsByState lists the sessions in any of states, oldest first.
func (s *SQLiteStore) ListSessionsByState(ctx context.Context, states ...engine.SessionState) ([]*engine.Session, error) {
	if len(states) == 0 {
		return []*engine.Session{}, nil
	}

	placeholders := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE state IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at ASC, rowid ASC
	`

	return s.listSessions(ctx, query, args...)
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...interface{}) ([]*engine.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := []*engine.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	// Release the connection before loading resources.
	_ = rows.Close()

	for _, session := range sessions {
		if err := s.loadResources(ctx, session); err != nil {
			return nil, err
		}
	}

	return sessions, nil
}

func (s *SQLiteStore) loadResources(ctx context.Context, session *engine.Session) error {
	query := `
		SELECT id, name, resource_type, provider, config, added_at
		FROM session_resources
		WHERE session_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, session.ID)
	if err != nil {
		return fmt.Errorf("failed to load resources: %w", err)
	}
	defer rows.Close()

	session.Resources = []engine.Resource{}
	for rows.Next() {
		var (
			r      engine.Resource
			config string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Provider, &config, &r.AddedAt); err != nil {
			return fmt.Errorf("failed to scan resource: %w", err)
		}
		if err := json.Unmarshal([]byte(config), &r.Config); err != nil {
			return fmt.Errorf("failed to decode config of resource %s: %w", r.ID, err)
		}
		session.Resources = append(session.Resources, r)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating resources: %w", err)
	}

	return nil
}

// CreateAuditEntry appends an audit record
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	details, err := nullJSON(entry.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit (event_type, actor, project_id, session_id, outcome, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.EventType,
		entry.Actor,
		nullString(entry.ProjectID),
		nullString(entry.SessionID),
		string(entry.Outcome),
		details,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id

	return nil
}

// ListAuditEntries lists audit entries in insertion order
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*engine.AuditEntry, error) {
	query := `
		SELECT id, event_type, actor, project_id, session_id, outcome, details, timestamp
		FROM audit
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		var (
			entry                       engine.AuditEntry
			projectID, sessionID, extra sql.NullString
		)
		err := rows.Scan(
			&entry.ID,
			&entry.EventType,
			&entry.Actor,
			&projectID,
			&sessionID,
			&entry.Outcome,
			&extra,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.ProjectID = projectID.String
		entry.SessionID = sessionID.String
		if extra.Valid {
			if err := json.Unmarshal([]byte(extra.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// RecordDeployment appends a deployment history entry
func (s *SQLiteStore) RecordDeployment(ctx context.Context, record *engine.DeploymentRecord) error {
	if record.CompletedAt.IsZero() {
		record.CompletedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO deployment_history (
			project_id, session_id, user_id, approved_by, status, resource_count,
			monthly_cost, commit_ref, error, duration_ms, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		record.ProjectID,
		record.SessionID,
		record.UserID,
		record.ApprovedBy,
		string(record.Status),
		record.ResourceCount,
		record.MonthlyCost,
		record.CommitRef,
		record.Error,
		record.Duration.Milliseconds(),
		record.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get deployment ID: %w", err)
	}
	record.ID = id

	return nil
}

// ListDeployments lists a project's deployment history, newest first
func (s *SQLiteStore) ListDeployments(ctx context.Context, projectID string, limit int) ([]*engine.DeploymentRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, project_id, session_id, user_id, approved_by, status, resource_count,
			   monthly_cost, commit_ref, error, duration_ms, completed_at
		FROM deployment_history
		WHERE project_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	records := []*engine.DeploymentRecord{}
	for rows.Next() {
		var (
			record     engine.DeploymentRecord
			durationMS int64
		)
		err := rows.Scan(
			&record.ID,
			&record.ProjectID,
			&record.SessionID,
			&record.UserID,
			&record.ApprovedBy,
			&record.Status,
			&record.ResourceCount,
			&record.MonthlyCost,
			&record.CommitRef,
			&record.Error,
			&durationMS,
			&record.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		record.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return records, nil
}

// SaveStateSnapshot stores a provisioning state snapshot, replacing any
// earlier snapshot for the same project and session
func (s *SQLiteStore) SaveStateSnapshot(ctx context.Context, snapshot *engine.StateSnapshot) error {
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO state_snapshots (project_id, session_id, state, hash, captured_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, session_id)
		DO UPDATE SET state = excluded.state, hash = excluded.hash, captured_at = excluded.captured_at
	`

	_, err := s.db.ExecContext(ctx, query,
		snapshot.ProjectID,
		snapshot.SessionID,
		snapshot.State,
		snapshot.Hash,
		snapshot.CapturedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save state snapshot: %w", err)
	}

	return nil
}

// GetStateSnapshot retrieves the state snapshot of one session
func (s *SQLiteStore) GetStateSnapshot(ctx context.Context, projectID, sessionID string) (*engine.StateSnapshot, error) {
	query := `
		SELECT project_id, session_id, state, hash, captured_at
		FROM state_snapshots
		WHERE project_id = ? AND session_id = ?
	`

	snapshot := &engine.StateSnapshot{}
	err := s.db.QueryRowContext(ctx, query, projectID, sessionID).Scan(
		&snapshot.ProjectID,
		&snapshot.SessionID,
		&snapshot.State,
		&snapshot.Hash,
		&snapshot.CapturedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("state snapshot not found: %s/%s", projectID, sessionID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state snapshot: %w", err)
	}

	return snapshot, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func insertResource(ctx context.Context, db execer, sessionID string, r *engine.Resource) error {
	config := r.Config
	if config == nil {
		config = map[string]interface{}{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config of resource %s: %w", r.ID, err)
	}

	query := `
		INSERT INTO session_resources (id, session_id, position, name, resource_type, provider, config, added_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM session_resources WHERE session_id = ?), ?, ?, ?, ?, ?)
	`

	_, err = db.ExecContext(ctx, query,
		r.ID,
		sessionID,
		sessionID,
		r.Name,
		string(r.Type),
		string(r.Provider),
		string(data),
		r.AddedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append resource: %w", err)
	}

	return nil
}

func scanSession(row rowScanner) (*engine.Session, error) {
	var (
		session                      engine.Session
		plan, validation, approvedBy sql.NullString
		approvedAt                   sql.NullTime
	)

	err := row.Scan(
		&session.ID,
		&session.ProjectID,
		&session.UserID,
		&session.Provider,
		&session.Region,
		&session.State,
		&session.WorkDir,
		&plan,
		&validation,
		&approvedBy,
		&approvedAt,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if plan.Valid {
		session.Plan = &engine.PlanResult{}
		if err := json.Unmarshal([]byte(plan.String), session.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan of session %s: %w", session.ID, err)
		}
	}
	if validation.Valid {
		session.Validation = &engine.ValidationResult{}
		if err := json.Unmarshal([]byte(validation.String), session.Validation); err != nil {
			return nil, fmt.Errorf("failed to decode validation of session %s: %w", session.ID, err)
		}
	}
	session.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time
		session.ApprovedAt = &t
	}

	return &session, nil
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("%s not found: %s", kind, id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return nil
}

func nullJSON(v interface{}) (sql.NullString, error) {
	switch t := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case *engine.PlanResult:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *engine.ValidationResult:
		if t == nil {
			return sql.NullString{}, nil
		}
	case map[string]interface{}:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
