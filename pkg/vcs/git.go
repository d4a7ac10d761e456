package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/engine"
)

// DefaultBranch is the branch every project repository starts on.
const DefaultBranch = "main"

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Commit is one entry of a project's history.
type Commit struct {
	Ref       string    `json:"ref"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Git keeps one git repository per project under a root directory. It
// drives the git executable; operations on one project are serialized.
type Git struct {
	root   string
	binary string
	logger zerolog.Logger
	locks  *engine.KeyedMutex
}

var _ engine.VersionControl = (*Git)(nil)

// New creates a Git rooted at root.
func New(root string, logger zerolog.Logger) *Git {
	return &Git{
		root:   root,
		binary: "git",
		logger: logger.With().Str("component", "vcs").Logger(),
		locks:  engine.NewKeyedMutex(),
	}
}

// ProjectDir returns the working directory of a project's repository.
func (g *Git) ProjectDir(projectID string) string {
	return filepath.Join(g.root, projectID)
}

// InitProject creates the project's repository if it does not exist yet.
func (g *Git) InitProject(ctx context.Context, projectID string) error {
	if err := validateProjectID(projectID); err != nil {
		return err
	}
	unlock := g.locks.Lock(projectID)
	defer unlock()

	dir := g.ProjectDir(projectID)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	if _, err := g.git(ctx, dir, "init", "--quiet"); err != nil {
		return err
	}
	if _, err := g.git(ctx, dir, "symbolic-ref", "HEAD", "refs/heads/"+DefaultBranch); err != nil {
		return err
	}

	g.logger.Info().Str("project_id", projectID).Str("dir", dir).Msg("Project repository initialized")
	return nil
}

// Commit writes files into the project's repository and commits them. When
// the files match the current tree no commit is made and the current HEAD
// is returned.
func (g *Git) Commit(ctx context.Context, projectID string, files map[string][]byte, message, author string) (string, error) {
	if err := validateProjectID(projectID); err != nil {
		return "", err
	}
	unlock := g.locks.Lock(projectID)
	defer unlock()

	dir := g.ProjectDir(projectID)
	names := make([]string, 0, len(files))
	for name := range files {
		if !filepath.IsLocal(name) {
			return "", fmt.Errorf("refusing to write %q outside the project repository", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(path, files[name], 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if _, err := g.git(ctx, dir, append([]string{"add", "--"}, names...)...); err != nil {
		return "", err
	}
	return g.commitStaged(ctx, dir, message, author)
}

func (g *Git) commitStaged(ctx context.Context, dir, message, author string) (string, error) {
	status, err := g.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) == "" {
		return g.head(ctx, dir)
	}

	if author == "" {
		author = "deployer"
	}
	_, err = g.git(ctx, dir,
		"-c", "user.name="+author,
		"-c", "user.email="+author+"@deployer.local",
		"commit", "--quiet", "--no-verify", "-m", message)
	if err != nil {
		return "", err
	}

	ref, err := g.head(ctx, dir)
	if err != nil {
		return "", err
	}
	g.logger.Info().Str("dir", dir).Str("ref", ref).Str("author", author).Msg("Configuration committed")
	return ref, nil
}

// Tag creates an annotated tag on ref.
func (g *Git) Tag(ctx context.Context, projectID, tag, ref, message string) error {
	if err := validateProjectID(projectID); err != nil {
		return err
	}
	unlock := g.locks.Lock(projectID)
	defer unlock()

	if ref == "" {
		ref = "HEAD"
	}
	_, err := g.git(ctx, g.ProjectDir(projectID),
		"-c", "user.name=deployer", "-c", "user.email=deployer@deployer.local",
		"tag", "-a", tag, "-m", message, ref)
	return err
}

// Diff returns the textual difference between two refs. An empty to
// compares with the working tree.
func (g *Git) Diff(ctx context.Context, projectID, from, to string) (string, error) {
	if err := validateProjectID(projectID); err != nil {
		return "", err
	}
	args := []string{"diff", "--no-color", from}
	if to != "" {
		args = append(args, to)
	}
	return g.git(ctx, g.ProjectDir(projectID), args...)
}

// Rollback restores the tree of ref as a new commit on top of HEAD and
// returns the new commit reference.
func (g *Git) Rollback(ctx context.Context, projectID, ref, author string) (string, error) {
	if err := validateProjectID(projectID); err != nil {
		return "", err
	}
	unlock := g.locks.Lock(projectID)
	defer unlock()

	dir := g.ProjectDir(projectID)
	if _, err := g.git(ctx, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}"); err != nil {
		return "", engine.NewNotFoundError(fmt.Sprintf("unknown revision %s", ref), err).
			WithCode(engine.ErrCodeNotFound)
	}

	if _, err := g.git(ctx, dir, "rm", "-r", "--quiet", "--cached", "--ignore-unmatch", "."); err != nil {
		return "", err
	}
	if _, err := g.git(ctx, dir, "checkout", ref, "--", "."); err != nil {
		return "", err
	}
	return g.commitStaged(ctx, dir, "Rollback to "+ref, author)
}

// Log returns up to limit commits, newest first.
func (g *Git) Log(ctx context.Context, projectID string, limit int) ([]Commit, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	dir := g.ProjectDir(projectID)

	args := []string{"log", "--format=%H%x1f%an%x1f%ct%x1f%s"}
	if limit > 0 {
		args = append(args, "-n", strconv.Itoa(limit))
	}
	out, err := g.git(ctx, dir, args...)
	if err != nil {
		// A repository without commits has no log.
		if _, headErr := g.head(ctx, dir); headErr != nil {
			return nil, nil
		}
		return nil, err
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\x1f")
		if len(fields) != 4 {
			continue
		}
		secs, _ := strconv.ParseInt(fields[2], 10, 64)
		commits = append(commits, Commit{
			Ref:       fields[0],
			Author:    fields[1],
			Timestamp: time.Unix(secs, 0).UTC(),
			Message:   fields[3],
		})
	}
	return commits, nil
}

func (g *Git) head(ctx context.Context, dir string) (string, error) {
	out, err := g.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// git runs one git command in dir and returns its stdout.
func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", engine.NewPermanentError("git is not installed", err).
				WithCode(engine.ErrCodeToolNotInstalled)
		}
		return "", engine.NewPermanentError(
			fmt.Sprintf("git %s failed: %s", subcommand(args), strings.TrimSpace(stderr.String())), err).
			WithCode(engine.ErrCodeCommandFailed)
	}
	return stdout.String(), nil
}

// subcommand skips leading "-c key=value" options.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

func validateProjectID(projectID string) error {
	if !projectIDPattern.MatchString(projectID) || strings.Contains(projectID, "..") {
		return engine.NewPermanentError(fmt.Sprintf("invalid project id %q", projectID), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}
