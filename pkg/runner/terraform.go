package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/deployer/pkg/engine"
)

// Init initializes the working directory.
func (r *Runner) Init(ctx context.Context) (*engine.CommandResult, error) {
	return r.Run(ctx, "init", "-input=false", "-no-color")
}

// Plan initializes the working directory and writes a plan artifact. The
// returned PlanResult is never nil; on failure it carries the classified
// error and an excerpt of the tool output, and err is non-nil.
func (r *Runner) Plan(ctx context.Context) (*engine.PlanResult, error) {
	initRes, err := r.Init(ctx)
	if err != nil {
		plan := engine.FailedPlan("init failed: " + err.Error())
		if excerpt := strings.TrimSpace(initRes.Output); excerpt != "" {
			plan.Errors = append(plan.Errors, Truncate(excerpt, MaxErrorExcerpt))
		}
		plan.Diff = initRes.Output
		return plan, err
	}

	// A stale artifact from an earlier plan must never survive a failed re-plan.
	artifact := r.artifactPath()
	if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
		return engine.FailedPlan(fmt.Sprintf("failed to remove stale plan artifact: %v", err)), err
	}

	res, err := r.Run(ctx, "plan", "-input=false", "-no-color", "-out="+r.planFile)
	summary := ParsePlanOutput(res.Output)

	plan := &engine.PlanResult{
		Success:            err == nil,
		ResourcesToAdd:     summary.Add,
		ResourcesToChange:  summary.Change,
		ResourcesToDestroy: summary.Destroy,
		Diff:               res.Output,
		Warnings:           summary.Warnings,
		PlannedAt:          time.Now().UTC(),
	}
	if err != nil {
		plan.Errors = failureMessages(err, res.Output)
		return plan, err
	}
	plan.PlanFile = artifact
	return plan, nil
}

// Apply applies the plan artifact written by Plan, delivering output lines
// to onLine as they arrive. It refuses to run when the artifact is missing
// so an unreviewed plan is never applied.
func (r *Runner) Apply(ctx context.Context, onLine func(line string)) (*engine.CommandResult, error) {
	artifact := r.artifactPath()
	if _, err := os.Stat(artifact); err != nil {
		perr := engine.NewPermanentError(fmt.Sprintf("plan artifact %s is missing; refusing to apply", artifact), err).
			WithCode(engine.ErrCodePlanMissing).WithOperation("apply")
		return &engine.CommandResult{Command: "apply", ExitCode: -1, Output: perr.Error()}, perr
	}

	s, err := r.Stream(ctx, "apply", "-input=false", "-no-color", "-auto-approve", r.planFile)
	if err != nil {
		return &engine.CommandResult{Command: "apply", ExitCode: -1, Output: err.Error()}, err
	}
	for line := range s.Lines() {
		if onLine != nil {
			onLine(line)
		}
	}
	return s.Wait()
}

// Destroy destroys every resource tracked in the working directory's state.
func (r *Runner) Destroy(ctx context.Context) (*engine.CommandResult, error) {
	return r.Run(ctx, "destroy", "-input=false", "-no-color", "-auto-approve")
}

func (r *Runner) artifactPath() string {
	return filepath.Join(r.workDir, r.planFile)
}

// failureMessages renders a bounded list of human-readable failure strings:
// the classified error followed by the tool's own error lines, or an output
// excerpt when it printed none.
func failureMessages(err error, output string) []string {
	msgs := []string{err.Error()}
	if extracted := ExtractErrors(output); len(extracted) > 0 {
		return append(msgs, extracted...)
	}
	if excerpt := strings.TrimSpace(output); excerpt != "" {
		msgs = append(msgs, Truncate(excerpt, MaxErrorExcerpt))
	}
	return msgs
}

// Factory creates runners that share one binary, configuration and process
// limiter.
type Factory struct {
	opts Options
}

// NewFactory creates a runner factory. maxConcurrent caps tool processes
// across all runners it creates; zero or less means unbounded.
func NewFactory(opts Options, maxConcurrent int) *Factory {
	if opts.Limiter == nil && maxConcurrent > 0 {
		opts.Limiter = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return &Factory{opts: opts}
}

// New creates a runner bound to workDir.
func (f *Factory) New(workDir string) engine.Runner {
	return f.ForWorkDir(workDir)
}

// ForWorkDir creates a concrete runner bound to workDir.
func (f *Factory) ForWorkDir(workDir string) *Runner {
	opts := f.opts
	opts.WorkDir = workDir
	return New(opts)
}
