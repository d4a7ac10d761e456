package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/runner"
)

// StateFile is the provisioning tool's local state file inside a session
// work dir.
const StateFile = "terraform.tfstate"

// ApproveAndApply approves a session holding a successful plan and starts
// the apply in the background. It returns without waiting; use Wait to
// block until the apply finishes. It reports false when the session cannot
// be approved.
func (o *Orchestrator) ApproveAndApply(ctx context.Context, sessionID, approverID string) bool {
	return o.Approve(ctx, sessionID, approverID) == nil
}

// Approve is ApproveAndApply reporting why an approval was refused.
func (o *Orchestrator) Approve(ctx context.Context, sessionID, approverID string) error {
	if approverID == "" {
		return engine.NewPermanentError("approver is required", nil).
			WithCode(engine.ErrCodeValidation).WithSession(sessionID)
	}

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	if o.isClosed() {
		return errShuttingDown(sessionID)
	}

	s, err := o.load(ctx, sessionID)
	if err != nil {
		return err
	}
	prev, err := o.machine.Fire(s, engine.EventApprove)
	if err != nil {
		o.audit(ctx, engine.AuditSessionApproved, approverID, s, engine.OutcomeRejected, map[string]interface{}{
			"state": string(s.State),
		})
		return err
	}

	now := o.now().UTC()
	s.ApprovedBy = approverID
	s.ApprovedAt = &now
	done, ok := o.reserveApply(sessionID)
	if !ok {
		return errShuttingDown(sessionID)
	}
	if err := o.save(ctx, s, prev); err != nil {
		o.releaseApply(sessionID, done)
		return err
	}
	o.audit(ctx, engine.AuditSessionApproved, approverID, s, engine.OutcomeSuccess, map[string]interface{}{
		"monthly_cost": s.Plan.MonthlyCost,
	})
	o.logger.Info().Str("session_id", sessionID).Str("approver", approverID).Msg("Plan approved")

	o.spawnApply(ctx, sessionID, done)
	return nil
}

func errShuttingDown(sessionID string) error {
	return engine.NewConflictError("orchestrator is shutting down", nil).
		WithCode(engine.ErrCodeInvalidTransition).WithSession(sessionID)
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// reserveApply registers an apply with the WaitGroup. The closed check and
// the Add share one critical section so Shutdown never waits on a group that
// is still growing.
func (o *Orchestrator) reserveApply(sessionID string) (chan struct{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false
	}
	done := make(chan struct{})
	o.applies[sessionID] = done
	o.wg.Add(1)
	return done, true
}

// releaseApply undoes reserveApply for an apply that never started.
func (o *Orchestrator) releaseApply(sessionID string, done chan struct{}) {
	o.mu.Lock()
	delete(o.applies, sessionID)
	o.mu.Unlock()
	close(done)
	o.wg.Done()
}

// spawnApply starts the background apply reserved by reserveApply. It
// outlives ctx but keeps its values for tracing.
func (o *Orchestrator) spawnApply(ctx context.Context, sessionID string, done chan struct{}) {
	go func() {
		defer o.releaseApply(sessionID, done)
		o.runApply(context.WithoutCancel(ctx), sessionID)
	}()
}

// runApply applies the approved plan. It never panics: failures, including
// panics, leave the session FAILED. Applies are never retried.
func (o *Orchestrator) runApply(ctx context.Context, sessionID string) {
	op := o.tel.StartOperation(ctx, "apply", sessionID)
	started := time.Now()

	var applyErr error
	defer func() {
		if r := recover(); r != nil {
			op.Logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Apply panicked")
			reason := fmt.Sprintf("internal error during apply: %v", r)
			o.forceFail(op.Ctx, sessionID, engine.EventApplyFailed, reason, nil)
			o.tel.Metrics.RecordApplyCompleted(false, time.Since(started))
			applyErr = errors.New(reason)
		}
		op.End(applyErr)
	}()

	s, err := o.beginApply(op.Ctx, sessionID)
	if err != nil {
		op.Logger.Error().Err(err).Msg("Apply could not start")
		o.forceFail(op.Ctx, sessionID, engine.EventApplyFailed, "apply could not start: "+err.Error(), nil)
		applyErr = err
		return
	}
	o.tel.Metrics.RecordApplyStarted()

	res, err := o.runners.New(s.WorkDir).Apply(op.Ctx, func(line string) {
		if perr := o.tel.Events.PublishApplyOutput(sessionID, line); perr != nil {
			op.Logger.Debug().Err(perr).Msg("Apply output event dropped")
		}
	})
	if err == nil && (res == nil || !res.Success) {
		err = engine.NewPermanentError("apply did not succeed", nil).WithCode(engine.ErrCodeCommandFailed)
	}
	applyErr = err

	o.finishApply(op.Ctx, op.Logger, s, res, err, time.Since(started))
}

// beginApply moves an approved session to APPLYING.
func (o *Orchestrator) beginApply(ctx context.Context, sessionID string) (*engine.Session, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	s, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prev, err := o.machine.Fire(s, engine.EventApply)
	if err != nil {
		return nil, err
	}
	if err := o.save(ctx, s, prev); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// finishApply records the outcome of an apply: the terminal state, and on
// success the committed configuration, state snapshot and quota usage,
// followed by deployment history and audit.
func (o *Orchestrator) finishApply(ctx context.Context, logger zerolog.Logger, applied *engine.Session, res *engine.CommandResult, applyErr error, duration time.Duration) {
	unlock := o.locks.Lock(applied.ID)
	defer unlock()

	s, err := o.load(ctx, applied.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("Session vanished during apply; recording outcome from snapshot")
		s = applied
	}

	success := applyErr == nil
	reason := ""
	event := engine.EventApplySucceeded
	if !success {
		event = engine.EventApplyFailed
		reason = failureExcerpt(applyErr, res)
		if s.Plan != nil {
			s.Plan.Errors = append(s.Plan.Errors, "apply failed: "+reason)
		}
	}

	prev, err := o.machine.Fire(s, event)
	if err != nil {
		logger.Error().Err(err).Str("state", string(s.State)).Msg("Apply outcome rejected by state machine")
		return
	}
	if err := o.save(ctx, s, prev); err != nil {
		logger.Error().Err(err).Msg("Failed to persist apply outcome")
	}

	record := &engine.DeploymentRecord{
		ProjectID:     s.ProjectID,
		SessionID:     s.ID,
		UserID:        s.UserID,
		ApprovedBy:    s.ApprovedBy,
		Status:        s.State,
		ResourceCount: len(s.Resources),
		Error:         reason,
		Duration:      duration,
		CompletedAt:   o.now().UTC(),
	}
	if s.Plan != nil {
		record.MonthlyCost = s.Plan.MonthlyCost
	}
	details := map[string]interface{}{
		"duration_seconds": duration.Seconds(),
	}

	if success {
		if ref, err := o.commit(ctx, s); err != nil {
			logger.Warn().Err(err).Msg("Failed to commit applied configuration")
			details["commit_error"] = err.Error()
		} else if ref != "" {
			record.CommitRef = ref
			details["commit_ref"] = ref
		}

		if hash, err := o.snapshotState(ctx, s); err != nil {
			logger.Warn().Err(err).Msg("Failed to save state snapshot")
		} else if hash != "" {
			details["state_hash"] = hash
		}

		if err := o.store.RecordQuotaUsage(ctx, s.ProjectID, s.ResourceCounts()); err != nil {
			logger.Warn().Err(err).Msg("Failed to record quota usage")
		}
	} else {
		details["error"] = reason
	}

	if err := o.store.RecordDeployment(ctx, record); err != nil {
		logger.Warn().Err(err).Msg("Failed to record deployment")
	}

	outcome := engine.OutcomeSuccess
	if !success {
		outcome = engine.OutcomeFailure
	}
	o.audit(ctx, engine.AuditApplyCompleted, s.ApprovedBy, s, outcome, details)

	o.tel.Metrics.RecordApplyCompleted(success, duration)
	if err := o.tel.Events.PublishApplyCompleted(s.ID, success, duration, reason); err != nil {
		logger.Debug().Err(err).Msg("Apply event dropped")
	}

	if success {
		logger.Info().Dur("duration", duration).Str("commit_ref", record.CommitRef).Msg("Apply succeeded")
	} else {
		logger.Error().Dur("duration", duration).Str("reason", reason).Msg("Apply failed")
	}
}

// commit records the applied configuration in the project's repository
// under sessions/<id>/.
func (o *Orchestrator) commit(ctx context.Context, s *engine.Session) (string, error) {
	if o.vcs == nil {
		return "", nil
	}
	rendered, err := o.renderer.Render(s)
	if err != nil {
		return "", fmt.Errorf("failed to render configuration: %w", err)
	}

	files := make(map[string][]byte, len(rendered))
	for name, data := range rendered {
		files[path.Join("sessions", s.ID, name)] = data
	}

	names := make([]string, 0, len(s.Resources))
	for i := range s.Resources {
		names = append(names, s.Resources[i].Name)
	}
	sort.Strings(names)
	message := fmt.Sprintf("Apply session %s: %s", s.ID, strings.Join(names, ", "))

	return o.vcs.Commit(ctx, s.ProjectID, files, message, s.ApprovedBy)
}

// snapshotState stores the tool's state file, returning its hash. A missing
// state file is not an error.
func (o *Orchestrator) snapshotState(ctx context.Context, s *engine.Session) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.WorkDir, StateFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state file: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	err = o.store.SaveStateSnapshot(ctx, &engine.StateSnapshot{
		ProjectID:  s.ProjectID,
		SessionID:  s.ID,
		State:      string(data),
		Hash:       hash,
		CapturedAt: o.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// failureExcerpt is the bounded, human-readable reason an apply failed.
func failureExcerpt(err error, res *engine.CommandResult) string {
	msg := err.Error()
	if res != nil {
		if extracted := runner.ExtractErrors(res.Output); len(extracted) > 0 {
			msg += ": " + strings.Join(extracted, "; ")
		}
	}
	return runner.Truncate(msg, runner.MaxErrorExcerpt)
}

// Wait blocks until the background apply of a session finishes or ctx is
// done. It returns at once when no apply is running.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	done, ok := o.applies[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the sessions with an apply in flight.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.applies))
	for id := range o.applies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown refuses new approvals and waits for in-flight applies. Applies
// still running when ctx is done are reported and left to finish on their
// own; a process exit at that point leaves them for manual reconciliation.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info().Msg("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		running := o.Running()
		o.logger.Error().Strs("sessions", running).Msg("Applies still running at shutdown require manual reconciliation")
		return fmt.Errorf("%d apply(s) still running (%s): %w", len(running), strings.Join(running, ", "), ctx.Err())
	}
}
