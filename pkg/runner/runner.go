// Package runner drives the external provisioning tool (terraform or tofu)
// as a subprocess bound to one working directory.
//
// Two execution modes are offered: Run buffers combined output until the
// process exits, Stream delivers output lines as they arrive. Plan, Apply
// and Destroy build on them. A missing executable is reported as
// TOOL_NOT_INSTALLED, a non-zero exit as COMMAND_FAILED.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

const (
	// DefaultBinary is the provisioning tool used when none is configured.
	DefaultBinary = "terraform"

	// DefaultPlanFile is the plan artifact name inside the working directory.
	DefaultPlanFile = "tfplan"

	// MaxOutputBytes bounds the output surfaced to callers.
	MaxOutputBytes = 64 * 1024

	// MaxMessages bounds the warning and error lists extracted from output.
	MaxMessages = 5

	// MaxErrorExcerpt bounds raw output quoted in error messages.
	MaxErrorExcerpt = 2000

	// waitDelay bounds how long output pipes are drained after the tool
	// exits or is killed.
	waitDelay = 5 * time.Second
)

// Options configures a Runner.
type Options struct {
	// Binary is the provisioning tool executable name or path.
	Binary string

	// WorkDir is the working directory every command runs in.
	WorkDir string

	// PlanFile is the plan artifact name relative to WorkDir.
	PlanFile string

	// Timeout bounds each command; zero means no timeout.
	Timeout time.Duration

	// Env is appended to the inherited environment.
	Env []string

	// Limiter caps concurrent tool processes across runners; nil means unbounded.
	Limiter *semaphore.Weighted

	// Logger receives command lifecycle logs.
	Logger zerolog.Logger

	// Telemetry records command metrics and spans; nil disables them.
	Telemetry *telemetry.Telemetry
}

// Runner executes provisioning tool commands in one working directory.
type Runner struct {
	binary   string
	workDir  string
	planFile string
	timeout  time.Duration
	env      []string
	limiter  *semaphore.Weighted
	logger   zerolog.Logger
	tel      *telemetry.Telemetry
	lookPath func(string) (string, error)
}

// New creates a runner.
func New(opts Options) *Runner {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.PlanFile == "" {
		opts.PlanFile = DefaultPlanFile
	}
	return &Runner{
		binary:   opts.Binary,
		workDir:  opts.WorkDir,
		planFile: opts.PlanFile,
		timeout:  opts.Timeout,
		env:      opts.Env,
		limiter:  opts.Limiter,
		logger:   opts.Logger.With().Str("component", "runner").Str("work_dir", opts.WorkDir).Logger(),
		tel:      opts.Telemetry,
		lookPath: exec.LookPath,
	}
}

// WorkDir returns the working directory of the runner.
func (r *Runner) WorkDir() string {
	return r.workDir
}

// PlanFile returns the plan artifact name.
func (r *Runner) PlanFile() string {
	return r.planFile
}

// Run executes the tool with args and waits for it to exit. The result is
// non-nil whenever the process started; err is classified.
func (r *Runner) Run(ctx context.Context, args ...string) (*engine.CommandResult, error) {
	command := subcommand(args)
	ctx, span := r.startSpan(ctx, command)
	defer span.End()

	inv, err := r.prepare(ctx, command, args)
	if err != nil {
		telemetry.RecordError(span, err)
		return &engine.CommandResult{Command: command, ExitCode: -1, Output: err.Error()}, err
	}
	defer inv.close()

	var out bytes.Buffer
	inv.cmd.Stdout = &out
	inv.cmd.Stderr = &out

	start := time.Now()
	runErr := inv.cmd.Run()
	result := r.finish(command, out.String(), time.Since(start), runErr)
	err = r.classify(inv.ctx, command, result, runErr)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return result, err
}

// invocation is a prepared command holding a process slot.
type invocation struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	slot   bool
	r      *Runner
}

func (inv *invocation) close() {
	inv.cancel()
	if inv.slot {
		inv.r.limiter.Release(1)
	}
}

// prepare resolves the binary, acquires a process slot and builds the
// command. The caller must close the invocation.
func (r *Runner) prepare(ctx context.Context, command string, args []string) (*invocation, error) {
	path, err := r.lookPath(r.binary)
	if err != nil {
		return nil, toolNotInstalled(r.binary, err)
	}

	inv := &invocation{r: r}
	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx, 1); err != nil {
			return nil, engine.NewTransientError("waiting for a tool process slot", err).
				WithCode(engine.ErrCodeTimeout).WithOperation(command)
		}
		inv.slot = true
	}

	if r.timeout > 0 {
		inv.ctx, inv.cancel = context.WithTimeout(ctx, r.timeout)
	} else {
		inv.ctx, inv.cancel = context.WithCancel(ctx)
	}

	inv.cmd = exec.CommandContext(inv.ctx, path, args...) //nolint:gosec // binary comes from configuration
	inv.cmd.Dir = r.workDir
	inv.cmd.WaitDelay = waitDelay
	if len(r.env) > 0 {
		inv.cmd.Env = append(inv.cmd.Environ(), r.env...)
	}

	r.logger.Debug().Str("binary", r.binary).Strs("args", args).Msg("Running provisioning tool")
	return inv, nil
}

func (r *Runner) finish(command, output string, duration time.Duration, runErr error) *engine.CommandResult {
	result := &engine.CommandResult{
		Command:  command,
		Success:  runErr == nil,
		Output:   Truncate(output, MaxOutputBytes),
		Duration: duration,
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
	}

	if r.tel != nil {
		r.tel.Metrics.RecordToolCommand(command, result.Success, duration)
	}
	r.logger.Debug().
		Str("command", command).
		Bool("success", result.Success).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Provisioning tool exited")
	return result
}

func (r *Runner) classify(ctx context.Context, command string, result *engine.CommandResult, runErr error) error {
	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, exec.ErrNotFound) {
		return toolNotInstalled(r.binary, runErr)
	}
	if ctx.Err() != nil {
		return engine.NewTransientError(fmt.Sprintf("%s %s interrupted", r.binary, command), runErr).
			WithCode(engine.ErrCodeTimeout).WithOperation(command)
	}
	return engine.NewPermanentError(fmt.Sprintf("%s %s failed with exit code %d", r.binary, command, result.ExitCode), runErr).
		WithCode(engine.ErrCodeCommandFailed).WithOperation(command)
}

func (r *Runner) startSpan(ctx context.Context, command string) (context.Context, trace.Span) {
	if r.tel == nil {
		// A span from an empty context is a no-op.
		return ctx, trace.SpanFromContext(context.Background())
	}
	return r.tel.Tracer.StartCommandSpan(ctx, r.binary, command, r.workDir)
}

func toolNotInstalled(binary string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("%s is not installed or not on PATH", binary), err).
		WithCode(engine.ErrCodeToolNotInstalled).WithDetail("binary", binary)
}

func subcommand(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

// Truncate bounds s to max bytes, keeping the tail where tool errors are
// reported. The cut never splits a UTF-8 sequence, so the result may be a
// few bytes shorter than max.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "...(truncated)\n"
	if max <= len(marker) {
		return s[runeBoundary(s, len(s)-max):]
	}
	return marker + s[runeBoundary(s, len(s)-(max-len(marker))):]
}

// runeBoundary advances i to the start of the next rune in s.
func runeBoundary(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
