package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/cost"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// NameKey is the config key that names a resource. It is removed from the
// stored configuration.
const NameKey = "name"

// RunnerFactory creates a provisioning tool runner bound to a session's
// working directory.
type RunnerFactory interface {
	New(workDir string) engine.Runner
}

// PresetBuilder builds a resource configuration from a named preset.
type PresetBuilder interface {
	Build(ctx context.Context, name string, provider engine.Provider, params map[string]interface{}) (engine.ResourceType, map[string]interface{}, error)
}

// Options configures an Orchestrator. Store, Runners, Renderer and WorkRoot
// are required; a nil Validator admits every resource set and a nil VCS
// skips commits.
type Options struct {
	Store     engine.Store
	Validator engine.Validator
	VCS       engine.VersionControl
	Runners   RunnerFactory
	Renderer  engine.ConfigRenderer
	Presets   PresetBuilder
	Estimator *cost.Estimator

	// WorkRoot holds one working directory per session.
	WorkRoot string

	Telemetry *telemetry.Telemetry

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Orchestrator drives sessions from declaration through plan, approval and
// apply. Mutating operations on one session are serialized; different
// sessions never contend.
//
// Cached sessions are copy-on-write: every mutation works on a clone which
// replaces the cached value once persisted, so readers never observe a
// half-applied change.
type Orchestrator struct {
	store     engine.Store
	validator engine.Validator
	vcs       engine.VersionControl
	runners   RunnerFactory
	renderer  engine.ConfigRenderer
	presets   PresetBuilder
	estimator *cost.Estimator
	workRoot  string

	machine *engine.Machine
	cache   *engine.SessionCache
	locks   *engine.KeyedMutex
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	now     func() time.Time

	wg      sync.WaitGroup
	mu      sync.Mutex
	applies map[string]chan struct{}
	closed  bool
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("orchestrator requires a store")
	case opts.Runners == nil:
		return nil, fmt.Errorf("orchestrator requires a runner factory")
	case opts.Renderer == nil:
		return nil, fmt.Errorf("orchestrator requires a config renderer")
	case opts.WorkRoot == "":
		return nil, fmt.Errorf("orchestrator requires a work root")
	}

	if opts.Estimator == nil {
		opts.Estimator = cost.NewEstimator()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		store:     opts.Store,
		validator: opts.Validator,
		vcs:       opts.VCS,
		runners:   opts.Runners,
		renderer:  opts.Renderer,
		presets:   opts.Presets,
		estimator: opts.Estimator,
		workRoot:  opts.WorkRoot,
		machine:   engine.NewMachine(opts.Now),
		cache:     engine.NewSessionCache(),
		locks:     engine.NewKeyedMutex(),
		tel:       opts.Telemetry,
		logger:    telemetry.ComponentLogger(opts.Telemetry.Logger, "orchestrator"),
		now:       opts.Now,
		applies:   make(map[string]chan struct{}),
	}, nil
}

// StartSession opens a DRAFT session for user in project. The session
// expires ttl after now; a ttl of zero or less yields a session that is
// already expired.
func (o *Orchestrator) StartSession(ctx context.Context, user, projectID string, provider engine.Provider, region string, ttl time.Duration) (*engine.Session, error) {
	op := o.tel.StartOperation(ctx, "start_session", "")
	s, err := o.startSession(op.Ctx, op.Logger, user, projectID, provider, region, ttl)
	op.End(err)
	if err != nil {
		o.recordError(err)
		return nil, err
	}
	return s, nil
}

func (o *Orchestrator) startSession(ctx context.Context, logger zerolog.Logger, user, projectID string, provider engine.Provider, region string, ttl time.Duration) (*engine.Session, error) {
	if user == "" {
		return nil, engine.NewPermanentError("user is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := provider.Validate(); err != nil {
		return nil, engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
	}

	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, engine.NewNotFoundError(fmt.Sprintf("project %s not found", projectID), err).
				WithCode(engine.ErrCodeProjectNotFound).WithOperation("start_session")
		}
		return nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}

	if o.vcs != nil {
		if err := o.vcs.InitProject(ctx, project.ID); err != nil {
			return nil, fmt.Errorf("failed to initialize project repository: %w", err)
		}
	}

	now := o.now().UTC()
	s := &engine.Session{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		UserID:    user,
		Provider:  provider,
		Region:    region,
		Resources: []engine.Resource{},
		State:     engine.StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.WorkDir = filepath.Join(o.workRoot, s.ID)

	if err := os.MkdirAll(s.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session work dir: %w", err)
	}
	if err := o.store.CreateSession(ctx, s); err != nil {
		_ = os.RemoveAll(s.WorkDir)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	o.cache.Put(s)
	o.tel.Metrics.RecordSessionStarted(string(provider))
	o.audit(ctx, engine.AuditSessionStarted, user, s, engine.OutcomeSuccess, map[string]interface{}{
		"provider":   string(provider),
		"region":     region,
		"expires_at": s.ExpiresAt,
	})

	logger.Info().
		Str("session_id", s.ID).
		Str("project_id", s.ProjectID).
		Str("user", user).
		Str("provider", string(provider)).
		Time("expires_at", s.ExpiresAt).
		Msg("Session started")

	return s.Clone(), nil
}

// AddResource appends a resource to a mutable session. It reports false
// when the session is missing, expired or locked. The config is not
// validated here.
func (o *Orchestrator) AddResource(ctx context.Context, sessionID string, resourceType engine.ResourceType, config map[string]interface{}) bool {
	_, err := o.AppendResource(ctx, sessionID, resourceType, config)
	return err == nil
}

// AppendResource is AddResource reporting why a resource was refused. A
// "name" key in config names the resource; otherwise a name is derived from
// the type and position.
func (o *Orchestrator) AppendResource(ctx context.Context, sessionID string, resourceType engine.ResourceType, config map[string]interface{}) (*engine.Resource, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	s, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prev, err := o.machine.Fire(s, engine.EventAddResource)
	if err != nil {
		o.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Resource refused")
		return nil, err
	}

	cfg := make(map[string]interface{}, len(config))
	for k, v := range config {
		cfg[k] = v
	}
	name, _ := cfg[NameKey].(string)
	delete(cfg, NameKey)
	if name == "" {
		name = fmt.Sprintf("%s-%d", strings.ReplaceAll(string(resourceType), "_", "-"), len(s.Resources)+1)
	}

	res := engine.Resource{
		ID:       uuid.New().String(),
		Name:     name,
		Type:     resourceType,
		Provider: s.Provider,
		Config:   cfg,
		AddedAt:  o.now().UTC(),
	}
	if err := o.store.AppendResource(ctx, sessionID, &res); err != nil {
		return nil, fmt.Errorf("failed to persist resource: %w", err)
	}

	s.Resources = append(s.Resources, res)
	if err := o.save(ctx, s, prev); err != nil {
		return nil, err
	}
	o.audit(ctx, engine.AuditResourceAdded, s.UserID, s, engine.OutcomeSuccess, map[string]interface{}{
		"resource": res.Name,
		"type":     string(res.Type),
	})

	out := res.Clone()
	return &out, nil
}

// AddPreset builds a resource from a preset and appends it. params["name"]
// names the resource.
func (o *Orchestrator) AddPreset(ctx context.Context, sessionID, preset string, params map[string]interface{}) bool {
	_, err := o.AppendPreset(ctx, sessionID, preset, params)
	return err == nil
}

// AppendPreset is AddPreset reporting why the resource was refused.
func (o *Orchestrator) AppendPreset(ctx context.Context, sessionID, preset string, params map[string]interface{}) (*engine.Resource, error) {
	if o.presets == nil {
		return nil, engine.NewPermanentError("presets are not configured", nil).WithCode(engine.ErrCodeValidation)
	}

	s, ok := o.GetSession(ctx, sessionID)
	if !ok {
		return nil, engine.NewNotFoundError("session not found", nil).
			WithCode(engine.ErrCodeSessionNotFound).WithSession(sessionID)
	}

	rtype, config, err := o.presets.Build(ctx, preset, s.Provider, params)
	if err != nil {
		return nil, err
	}
	if name, ok := params[NameKey].(string); ok && name != "" {
		config[NameKey] = name
	}
	return o.AppendResource(ctx, sessionID, rtype, config)
}

// CancelSession cancels a session that is not applying or applied and
// evicts it. It reports false when the session is missing or the
// cancellation is refused.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) bool {
	return o.Cancel(ctx, sessionID) == nil
}

// Cancel is CancelSession reporting why a cancellation was refused.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	s, err := o.load(ctx, sessionID)
	if err != nil {
		return err
	}
	prev, err := o.machine.Fire(s, engine.EventCancel)
	if err != nil {
		return err
	}
	if err := o.save(ctx, s, prev); err != nil {
		return err
	}

	o.audit(ctx, engine.AuditSessionCancelled, s.UserID, s, engine.OutcomeSuccess, map[string]interface{}{
		"from": string(prev),
	})
	o.logger.Info().Str("session_id", sessionID).Str("from", string(prev)).Msg("Session cancelled")
	return nil
}

// GetSession returns a copy of the session. Expired and cancelled sessions
// read as absent.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*engine.Session, bool) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	s, err := o.load(ctx, sessionID)
	if err != nil {
		if !engine.IsNotFound(err) {
			o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to load session")
		}
		return nil, false
	}
	return s, true
}

// GetUserSessions returns the user's visible sessions, newest first.
func (o *Orchestrator) GetUserSessions(ctx context.Context, user string) []*engine.Session {
	var ids []string
	stored, err := o.store.ListSessionsByUser(ctx, user, 0)
	if err != nil {
		o.logger.Warn().Err(err).Str("user", user).Msg("Falling back to cached sessions")
		cached := o.cache.ByUser(user)
		for i := len(cached) - 1; i >= 0; i-- {
			ids = append(ids, cached[i].ID)
		}
	} else {
		for _, s := range stored {
			if s.State == engine.StateCancelled || s.State == engine.StateExpired {
				continue
			}
			ids = append(ids, s.ID)
		}
	}

	sessions := make([]*engine.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := o.GetSession(ctx, id); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// GetProjectQuota returns the quotas of a project.
func (o *Orchestrator) GetProjectQuota(ctx context.Context, projectID string) ([]engine.Quota, error) {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		if engine.IsNotFound(err) {
			return nil, engine.NewNotFoundError(fmt.Sprintf("project %s not found", projectID), err).
				WithCode(engine.ErrCodeProjectNotFound)
		}
		return nil, err
	}
	return o.store.ListQuotas(ctx, projectID)
}

// StateLister is implemented by stores that can list sessions by state.
// With it, ReapExpired also finds sessions this process never loaded.
type StateLister interface {
	ListSessionsByState(ctx context.Context, states ...engine.SessionState) ([]*engine.Session, error)
}

// ReapExpired expires every live session past its expiry and returns how
// many were expired. Lookups expire sessions lazily, so reaping is optional.
func (o *Orchestrator) ReapExpired(ctx context.Context) int {
	ids := o.cache.IDs()
	if lister, ok := o.store.(StateLister); ok {
		stored, err := lister.ListSessionsByState(ctx,
			engine.StateDraft, engine.StateValidating, engine.StatePlanning, engine.StatePlanReady)
		if err != nil {
			o.logger.Warn().Err(err).Msg("Reaping cached sessions only")
		}
		now := o.now()
		for _, s := range stored {
			if s.IsExpired(now) {
				ids = append(ids, s.ID)
			}
		}
	}

	reaped := 0
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		unlock := o.locks.Lock(id)
		if _, err := o.load(ctx, id); engine.HasCode(err, engine.ErrCodeSessionExpired) {
			reaped++
		}
		unlock()
	}
	if reaped > 0 {
		o.logger.Info().Int("count", reaped).Msg("Expired idle sessions")
	}
	return reaped
}

// Subscribe registers fn for events of one session, or of every session
// when sessionID is empty. The returned function unsubscribes.
func (o *Orchestrator) Subscribe(sessionID string, fn func(telemetry.Event)) func() {
	var filter telemetry.EventFilter
	if sessionID != "" {
		filter = telemetry.FilterBySession(sessionID)
	}
	return o.tel.Events.Subscribe(fn, filter)
}

// load returns a private copy of a live session. The caller holds the
// session lock. A session found past its expiry is expired, persisted and
// reported as not found.
func (o *Orchestrator) load(ctx context.Context, sessionID string) (*engine.Session, error) {
	s, expired, ok := o.cache.Lookup(sessionID, o.now())
	if !ok {
		stored, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if stored.State == engine.StateCancelled || stored.State == engine.StateExpired {
			return nil, engine.NewNotFoundError("session not found", nil).
				WithCode(engine.ErrCodeSessionNotFound).WithSession(sessionID)
		}
		s, expired = stored, stored.IsExpired(o.now())
		if !expired && !stored.State.IsTerminal() {
			o.cache.Put(stored)
		}
	}

	if expired {
		o.expire(ctx, s.Clone())
		return nil, engine.NewNotFoundError("session expired", nil).
			WithCode(engine.ErrCodeSessionExpired).WithSession(sessionID)
	}
	return s.Clone(), nil
}

// expire moves s to EXPIRED and records it. The caller holds the session lock.
func (o *Orchestrator) expire(ctx context.Context, s *engine.Session) bool {
	prev := s.State
	if !o.machine.Expire(s) {
		return false
	}
	if err := o.save(ctx, s, prev); err != nil {
		o.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to persist expired session")
		o.cache.Evict(s.ID)
		return false
	}
	o.audit(ctx, engine.AuditSessionExpired, "system", s, engine.OutcomeSuccess, map[string]interface{}{
		"from":       string(prev),
		"expires_at": s.ExpiresAt,
	})
	o.logger.Info().Str("session_id", s.ID).Str("from", string(prev)).Msg("Session expired")
	return true
}

// save persists s, publishes it to the cache (or evicts it once terminal)
// and announces the transition from prev. s must not be mutated afterwards.
func (o *Orchestrator) save(ctx context.Context, s *engine.Session, prev engine.SessionState) error {
	if err := o.store.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", s.ID, err)
	}

	if s.State.IsTerminal() {
		o.cache.Evict(s.ID)
	} else {
		o.cache.Put(s)
	}

	if prev != s.State {
		o.tel.Metrics.RecordTransition(string(prev), string(s.State))
		if err := o.tel.Events.PublishStateChanged(s.ID, s.ProjectID, string(prev), string(s.State)); err != nil {
			o.logger.Debug().Err(err).Msg("State change event dropped")
		}
	}
	return nil
}

// audit appends an audit record. Failures are logged, never returned.
func (o *Orchestrator) audit(ctx context.Context, eventType, actor string, s *engine.Session, outcome engine.AuditOutcome, details map[string]interface{}) {
	entry := &engine.AuditEntry{
		EventType: eventType,
		Actor:     actor,
		ProjectID: s.ProjectID,
		SessionID: s.ID,
		Outcome:   outcome,
		Details:   details,
		Timestamp: o.now().UTC(),
	}
	if err := o.store.CreateAuditEntry(ctx, entry); err != nil {
		o.logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("session_id", s.ID).
			Msg("Failed to write audit entry")
	}
}

func (o *Orchestrator) recordError(err error) {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		o.tel.Metrics.RecordError(string(ee.Class), ee.Code)
		return
	}
	o.tel.Metrics.RecordError("unclassified", "")
}
