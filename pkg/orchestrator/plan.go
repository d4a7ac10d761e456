package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/cost"
	"github.com/openfroyo/deployer/pkg/engine"
)

// Validate runs the policy and quota validator over the session's resources.
// An admitted session returns to DRAFT; a denied one is FAILED. An error is
// returned only when validation could not run.
func (o *Orchestrator) Validate(ctx context.Context, sessionID string) (*engine.ValidationResult, error) {
	op := o.tel.StartOperation(ctx, "validate", sessionID)

	unlock := o.locks.Lock(sessionID)
	result, err := o.validateLocked(op.Ctx, sessionID, true)
	unlock()

	op.End(err)
	if err != nil {
		o.recordError(err)
		return nil, err
	}
	return result, nil
}

// validateLocked validates a live session. With settle set, an admitted
// session is returned to DRAFT; otherwise it is left VALIDATING for the plan
// step. Denial always fails the session. The caller holds the session lock.
func (o *Orchestrator) validateLocked(ctx context.Context, sessionID string, settle bool) (*engine.ValidationResult, error) {
	s, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prev, err := o.machine.Fire(s, engine.EventValidate)
	if err != nil {
		return nil, err
	}

	result := &engine.ValidationResult{Admitted: true, ValidatedAt: o.now().UTC()}
	if o.validator != nil {
		result, err = o.validator.Validate(ctx, engine.ValidationRequest{
			User:      s.UserID,
			ProjectID: s.ProjectID,
			Provider:  s.Provider,
			Region:    s.Region,
			Resources: s.Resources,
		})
		if err != nil {
			return nil, fmt.Errorf("validation could not run: %w", err)
		}
	}
	s.Validation = result

	outcome := engine.OutcomeSuccess
	switch {
	case !result.Admitted:
		outcome = engine.OutcomeRejected
		if _, err := o.machine.Fire(s, engine.EventValidationFailed); err != nil {
			return nil, err
		}
		if err := o.tel.Events.PublishPolicyViolation(s.ID, result.Violations); err != nil {
			o.logger.Debug().Err(err).Msg("Policy violation event dropped")
		}
	case settle:
		if _, err := o.machine.Fire(s, engine.EventValidationPassed); err != nil {
			return nil, err
		}
	}

	if err := o.save(ctx, s, prev); err != nil {
		return nil, err
	}
	o.audit(ctx, engine.AuditSessionValidated, s.UserID, s, outcome, map[string]interface{}{
		"admitted":   result.Admitted,
		"violations": result.Violations,
		"warnings":   result.Warnings,
	})

	o.logger.Info().
		Str("session_id", s.ID).
		Bool("admitted", result.Admitted).
		Int("violations", len(result.Violations)).
		Msg("Session validated")
	return result, nil
}

// RunPlan validates the session, materializes its configuration, runs the
// provisioning tool's plan and estimates cost. It never panics and never
// returns nil: every failure yields an unsuccessful PlanResult, and failures
// after planning started leave the session FAILED. Re-planning replaces the
// previous result.
func (o *Orchestrator) RunPlan(ctx context.Context, sessionID string) *engine.PlanResult {
	op := o.tel.StartOperation(ctx, "run_plan", sessionID)
	plan := o.runPlan(op.Ctx, op.Logger, sessionID)

	var err error
	if !plan.Success && len(plan.Errors) > 0 {
		err = fmt.Errorf("plan failed: %s", plan.Errors[0])
	}
	op.End(err)
	return plan
}

// runPlan holds the session lock for the whole plan, tool run included, so
// no other operation on the session interleaves with it.
func (o *Orchestrator) runPlan(ctx context.Context, logger zerolog.Logger, sessionID string) (plan *engine.PlanResult) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	s, rejected := o.beginPlan(ctx, sessionID)
	if rejected != nil {
		return rejected
	}

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Plan panicked")
			plan = engine.FailedPlan(fmt.Sprintf("internal error during plan: %v", r))
			o.failLocked(ctx, sessionID, engine.EventPlanFailed, plan.Errors[0], plan)
			o.tel.Metrics.RecordPlan(false, time.Since(started))
		}
	}()

	plan = o.executePlan(ctx, logger, s)
	plan = o.finishPlan(ctx, s, plan)
	o.tel.Metrics.RecordPlan(plan.Success, time.Since(started))
	return plan
}

// beginPlan validates the session and moves it to PLANNING. It returns the
// session to plan, or a failed result when planning must not start. The
// caller holds the session lock.
func (o *Orchestrator) beginPlan(ctx context.Context, sessionID string) (*engine.Session, *engine.PlanResult) {
	s, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, engine.FailedPlan(err.Error())
	}
	if !o.machine.Can(s, engine.EventPlan) {
		return nil, engine.FailedPlan(fmt.Sprintf("cannot plan session in state %s", s.State))
	}

	validation, err := o.validateLocked(ctx, sessionID, false)
	if err != nil {
		return nil, engine.FailedPlan(err.Error())
	}
	if !validation.Admitted {
		plan := engine.FailedPlan(validation.Violations...)
		plan.Warnings = validation.Warnings
		o.recordPlan(ctx, sessionID, plan)
		return nil, plan
	}

	s, err = o.load(ctx, sessionID)
	if err != nil {
		return nil, engine.FailedPlan(err.Error())
	}
	prev, err := o.machine.Fire(s, engine.EventPlan)
	if err != nil {
		return nil, engine.FailedPlan(err.Error())
	}
	if err := o.save(ctx, s, prev); err != nil {
		return nil, engine.FailedPlan(err.Error())
	}
	return s.Clone(), nil
}

// recordPlan attaches a plan result to a session that failed validation.
// The caller holds the session lock.
func (o *Orchestrator) recordPlan(ctx context.Context, sessionID string, plan *engine.PlanResult) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to load session for plan result")
		return
	}
	s.Plan = plan
	if err := o.store.UpdateSession(ctx, s); err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist plan result")
	}
	o.audit(ctx, engine.AuditPlanCompleted, s.UserID, s, engine.OutcomeRejected, map[string]interface{}{
		"errors": plan.Errors,
	})
}

// executePlan renders the configuration, runs the tool's plan and attaches
// cost. The caller holds the session lock.
func (o *Orchestrator) executePlan(ctx context.Context, logger zerolog.Logger, s *engine.Session) *engine.PlanResult {
	files, err := o.renderer.Render(s)
	if err != nil {
		return engine.FailedPlan(fmt.Sprintf("failed to render configuration: %v", err))
	}
	if err := writeFiles(s.WorkDir, files); err != nil {
		return engine.FailedPlan(err.Error())
	}

	plan, err := o.runners.New(s.WorkDir).Plan(ctx)
	if plan == nil {
		msg := "plan produced no result"
		if err != nil {
			msg = err.Error()
		}
		return engine.FailedPlan(msg)
	}
	if err != nil || !plan.Success {
		logger.Warn().Err(err).Strs("errors", plan.Errors).Msg("Plan failed")
		plan.Success = false
		return plan
	}

	estimate := o.estimator.EstimateDeployment(s.Provider, s.Resources)
	plan.HourlyCost = estimate.HourlyCost
	plan.MonthlyCost = estimate.MonthlyCost
	for _, rec := range estimate.Recommendations {
		plan.Warnings = append(plan.Warnings, rec.String())
	}
	if warning := o.budgetWarning(ctx, s.ProjectID, estimate); warning != "" {
		plan.Warnings = append(plan.Warnings, warning)
	}

	logger.Info().
		Int("add", plan.ResourcesToAdd).
		Int("change", plan.ResourcesToChange).
		Int("destroy", plan.ResourcesToDestroy).
		Float64("monthly_cost", plan.MonthlyCost).
		Msg("Plan ready")
	return plan
}

// budgetWarning describes a budget overrun, or returns "" when the project
// has no budget or the estimate fits.
func (o *Orchestrator) budgetWarning(ctx context.Context, projectID string, estimate *cost.Estimate) string {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		o.logger.Warn().Err(err).Str("project_id", projectID).Msg("Budget check skipped")
		return ""
	}
	if project.MonthlyBudget == 0 {
		return ""
	}
	status := o.estimator.CheckBudgetCompliance(estimate, project.MonthlyBudget)
	if status.Compliant {
		return ""
	}
	return fmt.Sprintf("estimated monthly cost $%.2f exceeds the project budget of $%.2f by $%.2f",
		status.MonthlyCost, status.Budget, status.Overage)
}

// finishPlan stores the plan on the session and moves it to PLAN_READY or
// FAILED. A session that expired while the tool ran keeps its state and the
// plan is reported as failed. The caller holds the session lock.
func (o *Orchestrator) finishPlan(ctx context.Context, planned *engine.Session, plan *engine.PlanResult) *engine.PlanResult {
	s, err := o.load(ctx, planned.ID)
	if err != nil || s.State != engine.StatePlanning {
		plan.Success = false
		plan.Errors = append(plan.Errors, "session is no longer planning; plan discarded")
		return plan
	}

	s.Plan = plan
	event := engine.EventPlanSucceeded
	outcome := engine.OutcomeSuccess
	if !plan.Success {
		event = engine.EventPlanFailed
		outcome = engine.OutcomeFailure
	}
	prev, err := o.machine.Fire(s, event)
	if err != nil {
		plan.Success = false
		plan.Errors = append(plan.Errors, err.Error())
		return plan
	}
	if err := o.save(ctx, s, prev); err != nil {
		plan.Success = false
		plan.Errors = append(plan.Errors, err.Error())
		return plan
	}

	if plan.Success {
		o.tel.Metrics.SetPlannedCost(s.ProjectID, plan.MonthlyCost)
	}
	if err := o.tel.Events.PublishPlanCompleted(s.ID, plan.Success, plan.ResourcesToAdd, plan.ResourcesToChange, plan.ResourcesToDestroy); err != nil {
		o.logger.Debug().Err(err).Msg("Plan event dropped")
	}

	details := map[string]interface{}{
		"to_add":       plan.ResourcesToAdd,
		"to_change":    plan.ResourcesToChange,
		"to_destroy":   plan.ResourcesToDestroy,
		"monthly_cost": plan.MonthlyCost,
	}
	if !plan.Success {
		details["errors"] = plan.Errors
	}
	o.audit(ctx, engine.AuditPlanCompleted, s.UserID, s, outcome, details)
	return plan
}

// forceFail moves a session to FAILED after a panic or a failed step,
// attaching plan when given. It never panics itself.
func (o *Orchestrator) forceFail(ctx context.Context, sessionID string, event engine.Event, reason string, plan *engine.PlanResult) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()
	o.failLocked(ctx, sessionID, event, reason, plan)
}

// failLocked is forceFail for a caller holding the session lock.
func (o *Orchestrator) failLocked(ctx context.Context, sessionID string, event engine.Event, reason string, plan *engine.PlanResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("session_id", sessionID).Msg("Failed to record session failure")
		}
	}()

	s, err := o.load(ctx, sessionID)
	if err != nil {
		o.logger.Error().Err(err).Str("session_id", sessionID).Str("reason", reason).Msg("Failed to load session to record failure")
		return
	}
	switch {
	case plan != nil:
		s.Plan = plan
	case event == engine.EventApplyFailed && s.Plan != nil:
		s.Plan.Errors = append(s.Plan.Errors, "apply failed: "+reason)
	}
	prev, err := o.machine.Fire(s, event)
	if err != nil {
		return
	}
	if err := o.save(ctx, s, prev); err != nil {
		o.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to persist failed session")
		return
	}
	o.audit(ctx, auditEventFor(event), s.UserID, s, engine.OutcomeFailure, map[string]interface{}{
		"error": reason,
	})
}

func auditEventFor(event engine.Event) string {
	if event == engine.EventPlanFailed {
		return engine.AuditPlanCompleted
	}
	return engine.AuditApplyCompleted
}

// writeFiles materializes rendered configuration into dir in a stable order.
func writeFiles(dir string, files map[string][]byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), files[name], 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
