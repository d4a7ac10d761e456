package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/engine"
)

// fakeTool mimics the provisioning tool. FAKE_TF_MODE selects failures.
const fakeTool = `#!/bin/sh
mode="${FAKE_TF_MODE:-ok}"
case "$1" in
init)
	if [ "$mode" = "init_fail" ]; then
		echo "Error: Failed to query available provider packages" >&2
		exit 1
	fi
	echo "Terraform has been successfully initialized!"
	;;
plan)
	if [ "$mode" = "plan_fail" ]; then
		echo "Error: Invalid resource type" >&2
		exit 1
	fi
	for arg in "$@"; do
		case "$arg" in
		-out=*) echo "binary plan" > "${arg#-out=}" ;;
		esac
	done
	if [ "$mode" = "nochanges" ]; then
		echo "No changes. Your infrastructure matches the configuration."
		exit 0
	fi
	echo "Warning: Argument is deprecated"
	echo "Plan: 3 to add, 1 to change, 0 to destroy."
	;;
apply)
	echo "aws_instance.web: Creating..."
	echo "aws_instance.web: Creation complete after 2s"
	if [ "$mode" = "apply_fail" ]; then
		echo "Error: creating EC2 Instance: UnauthorizedOperation" >&2
		exit 1
	fi
	echo '{"version": 4}' > terraform.tfstate
	echo "Apply complete! Resources: 3 added, 1 changed, 0 destroyed."
	;;
destroy)
	echo "Destroy complete! Resources: 3 destroyed."
	;;
*)
	exit 2
	;;
esac
`

func writeFakeTool(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "terraform")
	if err := os.WriteFile(path, []byte(fakeTool), 0o755); err != nil {
		t.Fatalf("failed to write fake tool: %v", err)
	}
	return path
}

func newTestRunner(t *testing.T, mode string) *Runner {
	t.Helper()
	return New(Options{
		Binary:  writeFakeTool(t),
		WorkDir: t.TempDir(),
		Env:     []string{"FAKE_TF_MODE=" + mode},
		Timeout: 30 * time.Second,
		Logger:  zerolog.Nop(),
	})
}

func TestRunner_Plan(t *testing.T) {
	r := newTestRunner(t, "ok")

	plan, err := r.Plan(context.Background())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !plan.Success {
		t.Fatalf("plan failed: %v", plan.Errors)
	}
	if plan.ResourcesToAdd != 3 || plan.ResourcesToChange != 1 || plan.ResourcesToDestroy != 0 {
		t.Errorf("counts = %d/%d/%d", plan.ResourcesToAdd, plan.ResourcesToChange, plan.ResourcesToDestroy)
	}
	if !plan.HasChanges() {
		t.Error("HasChanges() = false")
	}
	if len(plan.Warnings) != 1 {
		t.Errorf("warnings = %v", plan.Warnings)
	}
	if _, err := os.Stat(plan.PlanFile); err != nil {
		t.Errorf("plan artifact not written: %v", err)
	}
}

func TestRunner_PlanNoChanges(t *testing.T) {
	r := newTestRunner(t, "nochanges")

	plan, err := r.Plan(context.Background())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.HasChanges() {
		t.Errorf("expected no changes, got %+v", plan)
	}
}

func TestRunner_PlanInitFailure(t *testing.T) {
	r := newTestRunner(t, "init_fail")

	plan, err := r.Plan(context.Background())
	if err == nil {
		t.Fatal("expected init failure")
	}
	if !engine.HasCode(err, engine.ErrCodeCommandFailed) {
		t.Errorf("expected COMMAND_FAILED, got %v", err)
	}
	if plan.Success {
		t.Error("plan reported success after init failure")
	}
	joined := strings.Join(plan.Errors, "\n")
	if !strings.Contains(joined, "init failed") || !strings.Contains(joined, "Failed to query available provider packages") {
		t.Errorf("errors do not carry init output: %v", plan.Errors)
	}
	if _, err := os.Stat(filepath.Join(r.WorkDir(), r.PlanFile())); !os.IsNotExist(err) {
		t.Error("plan ran after init failure")
	}
}

func TestRunner_PlanFailureRemovesStaleArtifact(t *testing.T) {
	r := newTestRunner(t, "plan_fail")
	stale := filepath.Join(r.WorkDir(), r.PlanFile())
	if err := os.WriteFile(stale, []byte("old plan"), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := r.Plan(context.Background())
	if err == nil || plan.Success {
		t.Fatal("expected plan failure")
	}
	if len(plan.Errors) < 2 || plan.Errors[1] != "Invalid resource type" {
		t.Errorf("errors = %v", plan.Errors)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale plan artifact survived a failed plan")
	}
}

func TestRunner_ApplyStreamsLines(t *testing.T) {
	r := newTestRunner(t, "ok")
	if _, err := r.Plan(context.Background()); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	var lines []string
	res, err := r.Apply(context.Background(), func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(lines) != 3 {
		t.Fatalf("streamed %d lines, want 3: %v", len(lines), lines)
	}
	if lines[0] != "aws_instance.web: Creating..." {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(res.Output, "Apply complete!") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunner_ApplyFailure(t *testing.T) {
	r := newTestRunner(t, "apply_fail")
	if _, err := r.Plan(context.Background()); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	res, err := r.Apply(context.Background(), nil)
	if !engine.HasCode(err, engine.ErrCodeCommandFailed) {
		t.Fatalf("expected COMMAND_FAILED, got %v", err)
	}
	if res.Success || res.ExitCode != 1 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "UnauthorizedOperation") {
		t.Errorf("stderr not captured: %q", res.Output)
	}
}

func TestRunner_ApplyRefusesMissingPlan(t *testing.T) {
	r := newTestRunner(t, "ok")

	called := false
	_, err := r.Apply(context.Background(), func(string) { called = true })
	if !engine.HasCode(err, engine.ErrCodePlanMissing) {
		t.Fatalf("expected PLAN_MISSING, got %v", err)
	}
	if called {
		t.Error("apply produced output without a plan artifact")
	}
}

func TestRunner_ToolNotInstalled(t *testing.T) {
	r := New(Options{
		Binary:  "definitely-not-a-provisioning-tool",
		WorkDir: t.TempDir(),
		Logger:  zerolog.Nop(),
	})

	plan, err := r.Plan(context.Background())
	if !engine.HasCode(err, engine.ErrCodeToolNotInstalled) {
		t.Fatalf("expected TOOL_NOT_INSTALLED, got %v", err)
	}
	if plan == nil || plan.Success {
		t.Fatal("expected a failed plan result")
	}

	_, err = r.Stream(context.Background(), "version")
	if !engine.HasCode(err, engine.ErrCodeToolNotInstalled) {
		t.Errorf("Stream(): expected TOOL_NOT_INSTALLED, got %v", err)
	}
}

func TestRunner_Destroy(t *testing.T) {
	r := newTestRunner(t, "ok")
	res, err := r.Destroy(context.Background())
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if !strings.Contains(res.Output, "Destroy complete!") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunner_RunUnknownCommand(t *testing.T) {
	r := newTestRunner(t, "ok")
	res, err := r.Run(context.Background(), "bogus")
	if err == nil {
		t.Fatal("expected failure")
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
}

func TestFactory_LimitsConcurrency(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	slow := filepath.Join(t.TempDir(), "slowtool")
	script := "#!/bin/sh\nsleep 0.2\necho done\n"
	if err := os.WriteFile(slow, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	f := NewFactory(Options{Binary: slow, Logger: zerolog.Nop()}, 1)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ForWorkDir(t.TempDir()).Run(context.Background(), "run"); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// Serialized runs cannot overlap their sleeps.
	if elapsed := time.Since(start); elapsed < 600*time.Millisecond {
		t.Errorf("3 runs finished in %v with one process slot", elapsed)
	}
}
