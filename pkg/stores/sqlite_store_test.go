package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestProject(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	if err := store.CreateProject(context.Background(), &engine.Project{ID: id, Name: "Project " + id, MonthlyBudget: 500}); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
}

func newTestSession(id, projectID, userID string, created time.Time) *engine.Session {
	return &engine.Session{
		ID:        id,
		ProjectID: projectID,
		UserID:    userID,
		Provider:  engine.ProviderAWS,
		Region:    "us-east-1",
		Resources: []engine.Resource{},
		State:     engine.StateDraft,
		CreatedAt: created,
		UpdatedAt: created,
		ExpiresAt: created.Add(time.Hour),
		WorkDir:   "/tmp/" + id,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"projects", "quotas", "sessions", "session_resources", "audit", "deployment_history", "state_snapshots"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployer.db")
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	createTestProject(t, store, "p1")
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, _ := NewSQLiteStore(Config{Path: path})
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetProject(ctx, "p1"); err != nil {
		t.Errorf("project did not survive reopen: %v", err)
	}
}

func TestProjectCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestProject(t, store, "web")
	createTestProject(t, store, "api")

	project, err := store.GetProject(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if project.Name != "Project web" || project.MonthlyBudget != 500 {
		t.Errorf("unexpected project: %+v", project)
	}
	if project.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	if err := store.SetProjectBudget(ctx, "web", 1200); err != nil {
		t.Fatalf("failed to set budget: %v", err)
	}
	project, _ = store.GetProject(ctx, "web")
	if project.MonthlyBudget != 1200 {
		t.Errorf("expected budget 1200, got %v", project.MonthlyBudget)
	}

	projects, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("failed to list projects: %v", err)
	}
	if len(projects) != 2 || projects[0].ID != "api" {
		t.Errorf("unexpected project list: %v", projects)
	}

	_, err = store.GetProject(ctx, "missing")
	if !engine.IsNotFound(err) || !engine.HasCode(err, engine.ErrCodeProjectNotFound) {
		t.Errorf("expected project not found, got %v", err)
	}

	if err := store.SetProjectBudget(ctx, "missing", 1); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestQuotas(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestProject(t, store, "p1")

	limit := 5
	if err := store.SetQuota(ctx, "p1", engine.ResourceCompute, &limit); err != nil {
		t.Fatalf("failed to set quota: %v", err)
	}

	err := store.RecordQuotaUsage(ctx, "p1", map[engine.ResourceType]int{
		engine.ResourceCompute: 2,
		engine.ResourceBucket:  1,
	})
	if err != nil {
		t.Fatalf("failed to record usage: %v", err)
	}
	if err := store.RecordQuotaUsage(ctx, "p1", map[engine.ResourceType]int{engine.ResourceCompute: 1}); err != nil {
		t.Fatalf("failed to record usage: %v", err)
	}

	quotas, err := store.ListQuotas(ctx, "p1")
	if err != nil {
		t.Fatalf("failed to list quotas: %v", err)
	}
	if len(quotas) != 2 {
		t.Fatalf("expected 2 quotas, got %d", len(quotas))
	}

	byType := map[engine.ResourceType]engine.Quota{}
	for _, q := range quotas {
		byType[q.ResourceType] = q
	}

	compute := byType[engine.ResourceCompute]
	if compute.Limit == nil || *compute.Limit != 5 || compute.Used != 3 {
		t.Errorf("unexpected compute quota: limit=%v used=%d", compute.Limit, compute.Used)
	}
	if compute.Remaining() != 2 {
		t.Errorf("expected 2 remaining, got %d", compute.Remaining())
	}

	bucket := byType[engine.ResourceBucket]
	if bucket.Limit != nil || bucket.Used != 1 {
		t.Errorf("usage without a quota should be unlimited: %+v", bucket)
	}

	// Re-setting the limit keeps usage; nil lifts the bound.
	if err := store.SetQuota(ctx, "p1", engine.ResourceCompute, nil); err != nil {
		t.Fatalf("failed to clear quota: %v", err)
	}
	quotas, _ = store.ListQuotas(ctx, "p1")
	for _, q := range quotas {
		if q.ResourceType == engine.ResourceCompute && (q.Limit != nil || q.Used != 3) {
			t.Errorf("unexpected quota after clearing limit: %+v", q)
		}
	}

	negative := -1
	if err := store.SetQuota(ctx, "p1", engine.ResourceNetwork, &negative); err == nil {
		t.Error("expected error for negative limit")
	}
}

func TestSessionCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestProject(t, store, "p1")

	now := time.Now().UTC().Truncate(time.Millisecond)
	session := newTestSession("s-1", "p1", "alice", now)
	session.Resources = []engine.Resource{{
		ID:       "r-0",
		Name:     "seed",
		Type:     engine.ResourceNetwork,
		Provider: engine.ProviderAWS,
		Config:   map[string]interface{}{"cidr": "10.0.0.0/16"},
		AddedAt:  now,
	}}

	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	err := store.AppendResource(ctx, "s-1", &engine.Resource{
		ID:       "r-1",
		Name:     "web",
		Type:     engine.ResourceCompute,
		Provider: engine.ProviderAWS,
		Config:   map[string]interface{}{"size": "t3.micro", "count": 2},
		AddedAt:  now,
	})
	if err != nil {
		t.Fatalf("failed to append resource: %v", err)
	}

	got, err := store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.State != engine.StateDraft || got.Provider != engine.ProviderAWS || got.Region != "us-east-1" {
		t.Errorf("unexpected session: %+v", got)
	}
	if !got.ExpiresAt.Equal(session.ExpiresAt) {
		t.Errorf("expected ExpiresAt %v, got %v", session.ExpiresAt, got.ExpiresAt)
	}
	if len(got.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(got.Resources))
	}
	if got.Resources[0].ID != "r-0" || got.Resources[1].ID != "r-1" {
		t.Errorf("resources out of insertion order: %v", got.Resources)
	}
	if got.Resources[1].Config["size"] != "t3.micro" {
		t.Errorf("config not round-tripped: %v", got.Resources[1].Config)
	}
	if got.Plan != nil || got.Validation != nil || got.ApprovedAt != nil {
		t.Error("expected empty plan, validation and approval")
	}

	// Update
	approvedAt := now.Add(time.Minute)
	got.State = engine.StateApproved
	got.Plan = &engine.PlanResult{Success: true, ResourcesToAdd: 2, MonthlyCost: 15.18, PlannedAt: now}
	got.Validation = &engine.ValidationResult{Admitted: true, ValidatedAt: now}
	got.ApprovedBy = "bob"
	got.ApprovedAt = &approvedAt
	got.UpdatedAt = approvedAt
	if err := store.UpdateSession(ctx, got); err != nil {
		t.Fatalf("failed to update session: %v", err)
	}

	updated, err := store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("failed to get updated session: %v", err)
	}
	if updated.State != engine.StateApproved || updated.ApprovedBy != "bob" {
		t.Errorf("unexpected updated session: %+v", updated)
	}
	if updated.Plan == nil || !updated.Plan.Success || updated.Plan.ResourcesToAdd != 2 {
		t.Errorf("plan not persisted: %+v", updated.Plan)
	}
	if updated.Validation == nil || !updated.Validation.Admitted {
		t.Errorf("validation not persisted: %+v", updated.Validation)
	}
	if updated.ApprovedAt == nil || !updated.ApprovedAt.Equal(approvedAt) {
		t.Errorf("expected ApprovedAt %v, got %v", approvedAt, updated.ApprovedAt)
	}

	// Missing
	if _, err := store.GetSession(ctx, "nope"); !engine.HasCode(err, engine.ErrCodeSessionNotFound) {
		t.Errorf("expected session not found, got %v", err)
	}
	missing := newTestSession("nope", "p1", "alice", now)
	if err := store.UpdateSession(ctx, missing); !engine.IsNotFound(err) {
		t.Errorf("expected not found on update, got %v", err)
	}
}

func TestSessionRequiresProject(t *testing.T) {
	store := setupTestStore(t)
	session := newTestSession("s-1", "ghost", "alice", time.Now().UTC())
	if err := store.CreateSession(context.Background(), session); err == nil {
		t.Fatal("expected foreign key violation for unknown project")
	}
}

func TestListSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestProject(t, store, "p1")

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"s-1", "s-2", "s-3"} {
		s := newTestSession(id, "p1", "alice", base.Add(time.Duration(i)*time.Minute))
		if id == "s-2" {
			s.State = engine.StatePlanReady
		}
		if err := store.CreateSession(ctx, s); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}
	}
	if err := store.CreateSession(ctx, newTestSession("s-4", "p1", "bob", base)); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	sessions, err := store.ListSessionsByUser(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "s-3" || sessions[2].ID != "s-1" {
		t.Errorf("expected newest first, got %s..%s", sessions[0].ID, sessions[2].ID)
	}

	limited, err := store.ListSessionsByUser(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(limited))
	}

	byState, err := store.ListSessionsByState(ctx, engine.StateDraft)
	if err != nil {
		t.Fatalf("failed to list sessions by state: %v", err)
	}
	if len(byState) != 3 {
		t.Errorf("expected 3 draft sessions, got %d", len(byState))
	}

	none, err := store.ListSessionsByState(ctx)
	if err != nil || len(none) != 0 {
		t.Errorf("expected empty list, got %v, %v", none, err)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entries := []*engine.AuditEntry{
		{EventType: engine.AuditSessionStarted, Actor: "alice", ProjectID: "p1", SessionID: "s-1", Outcome: engine.OutcomeSuccess},
		{EventType: engine.AuditPlanCompleted, Actor: "alice", ProjectID: "p1", SessionID: "s-1", Outcome: engine.OutcomeFailure,
			Details: map[string]interface{}{"errors": 2}},
		{EventType: engine.AuditSessionStarted, Actor: "bob", ProjectID: "p2", SessionID: "s-2", Outcome: engine.OutcomeSuccess},
	}
	for _, e := range entries {
		if err := store.CreateAuditEntry(ctx, e); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	all, err := store.ListAuditEntries(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}

	bySession, _ := store.ListAuditEntries(ctx, AuditFilter{SessionID: "s-1"})
	if len(bySession) != 2 {
		t.Fatalf("expected 2 entries for s-1, got %d", len(bySession))
	}
	if bySession[1].Outcome != engine.OutcomeFailure {
		t.Errorf("unexpected outcome: %s", bySession[1].Outcome)
	}
	if bySession[1].Details["errors"] != float64(2) {
		t.Errorf("details not round-tripped: %v", bySession[1].Details)
	}

	byType, _ := store.ListAuditEntries(ctx, AuditFilter{EventType: engine.AuditSessionStarted, Limit: 1})
	if len(byType) != 1 || byType[0].Actor != "alice" {
		t.Errorf("unexpected filtered entries: %v", byType)
	}
}

func TestDeploymentsAndSnapshots(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestProject(t, store, "p1")

	for i, status := range []engine.SessionState{engine.StateApplied, engine.StateFailed} {
		record := &engine.DeploymentRecord{
			ProjectID:     "p1",
			SessionID:     "s-" + string(rune('1'+i)),
			UserID:        "alice",
			ApprovedBy:    "bob",
			Status:        status,
			ResourceCount: 3,
			MonthlyCost:   42.5,
			Duration:      90 * time.Second,
		}
		if err := store.RecordDeployment(ctx, record); err != nil {
			t.Fatalf("failed to record deployment: %v", err)
		}
	}

	records, err := store.ListDeployments(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("failed to list deployments: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(records))
	}
	if records[0].Status != engine.StateFailed || records[0].Duration != 90*time.Second {
		t.Errorf("unexpected latest deployment: %+v", records[0])
	}

	snapshot := &engine.StateSnapshot{ProjectID: "p1", SessionID: "s-1", State: `{"version":4}`, Hash: "abc"}
	if err := store.SaveStateSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}
	snapshot.State = `{"version":4,"serial":2}`
	snapshot.Hash = "def"
	if err := store.SaveStateSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("failed to replace snapshot: %v", err)
	}

	got, err := store.GetStateSnapshot(ctx, "p1", "s-1")
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}
	if got.Hash != "def" || got.State != snapshot.State {
		t.Errorf("unexpected snapshot: %+v", got)
	}

	if _, err := store.GetStateSnapshot(ctx, "p1", "s-9"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
