// Package repo implements the repository and branch actions exposed by
// the VM server: clone, switch, status, branch, checkout, pull, and PR
// management via the gh CLI.
package repo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/textslash/cockpit/internal/storage"
	"github.com/textslash/cockpit/pkg/models"
)

const currentRepoKey = "repo_path"

// gitTimeout bounds any single git/gh invocation. Clones of large
// repositories are the slowest case.
const gitTimeout = 120 * time.Second

var (
	branchNameRe = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
	cloneURLRe   = regexp.MustCompile(`^(https://|git@)[A-Za-z0-9._/:@-]+$`)
)

// Manager runs repository actions inside the workspace root and tracks
// the active repository in the config store.
type Manager struct {
	root   string
	db     *storage.Store
	logger *slog.Logger
}

// NewManager creates a repo manager rooted at workspaceRoot.
func NewManager(workspaceRoot string, db *storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:   workspaceRoot,
		db:     db,
		logger: logger.With("component", "repo"),
	}
}

// CurrentPath returns the active repository path, or the workspace root
// if none was selected yet.
func (m *Manager) CurrentPath() string {
	path, err := m.db.GetConfig(currentRepoKey)
	if err != nil || path == "" {
		return m.root
	}
	return path
}

// Clone clones url into the workspace root and makes it the active
// repository.
func (m *Manager) Clone(ctx context.Context, url string) (*models.ActionResult, error) {
	if !cloneURLRe.MatchString(url) {
		return nil, models.NewError(models.ErrBadRequest, "that doesn't look like a git URL")
	}
	name := repoNameFromURL(url)
	dest := filepath.Join(m.root, name)
	if _, err := os.Stat(dest); err == nil {
		return nil, models.NewError(models.ErrBadRequest, "%s already exists; use 'switch %s'", name, name)
	}

	if out, err := m.git(ctx, m.root, "clone", url, dest); err != nil {
		return nil, models.NewError(models.ErrExecution, "clone failed: %s", firstLine(out, err))
	}
	if err := m.db.SetConfig(currentRepoKey, dest); err != nil {
		return nil, err
	}
	m.logger.Info("cloned repository", "url", url, "dest", dest)
	return &models.ActionResult{Text: fmt.Sprintf("Cloned %s. Now working in %s.", url, name)}, nil
}

// Switch makes an already-cloned repository the active one.
func (m *Manager) Switch(ctx context.Context, name string) (*models.ActionResult, error) {
	if !branchNameRe.MatchString(name) || strings.Contains(name, "..") {
		return nil, models.NewError(models.ErrBadRequest, "invalid repository name")
	}
	dest := filepath.Join(m.root, name)
	if info, err := os.Stat(dest); err != nil || !info.IsDir() {
		return nil, models.NewError(models.ErrGone, "no repository named %s; clone it first", name)
	}
	if err := m.db.SetConfig(currentRepoKey, dest); err != nil {
		return nil, err
	}
	return &models.ActionResult{Text: fmt.Sprintf("Switched to %s.", name)}, nil
}

// Status reports branch and working tree state of the active repo.
func (m *Manager) Status(ctx context.Context) (*models.ActionResult, error) {
	dir := m.CurrentPath()
	branch, err := m.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, models.NewError(models.ErrGone, "no active repository; clone one first")
	}
	status, _ := m.git(ctx, dir, "status", "--short")

	text := fmt.Sprintf("%s on %s", filepath.Base(dir), strings.TrimSpace(branch))
	if strings.TrimSpace(status) == "" {
		text += "\nWorking tree clean."
	} else {
		text += "\n" + strings.TrimSpace(status)
	}
	return &models.ActionResult{Text: text}, nil
}

// Branches lists local branches.
func (m *Manager) Branches(ctx context.Context) (*models.ActionResult, error) {
	out, err := m.git(ctx, m.CurrentPath(), "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, models.NewError(models.ErrGone, "no active repository; clone one first")
	}
	return &models.ActionResult{Text: "Branches:\n" + strings.TrimSpace(out)}, nil
}

// Branch creates a new branch without switching to it.
func (m *Manager) Branch(ctx context.Context, name string) (*models.ActionResult, error) {
	if !branchNameRe.MatchString(name) {
		return nil, models.NewError(models.ErrBadRequest, "invalid branch name")
	}
	if out, err := m.git(ctx, m.CurrentPath(), "branch", name); err != nil {
		return nil, models.NewError(models.ErrExecution, "branch failed: %s", firstLine(out, err))
	}
	return &models.ActionResult{Text: fmt.Sprintf("Created branch %s.", name)}, nil
}

// Checkout switches branches; with create, makes the branch first.
func (m *Manager) Checkout(ctx context.Context, name string, create bool) (*models.ActionResult, error) {
	if !branchNameRe.MatchString(name) {
		return nil, models.NewError(models.ErrBadRequest, "invalid branch name")
	}
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, name)
	if out, err := m.git(ctx, m.CurrentPath(), args...); err != nil {
		return nil, models.NewError(models.ErrExecution, "checkout failed: %s", firstLine(out, err))
	}
	return &models.ActionResult{Text: fmt.Sprintf("Now on %s.", name)}, nil
}

// Pull fast-forwards the current branch.
func (m *Manager) Pull(ctx context.Context) (*models.ActionResult, error) {
	out, err := m.git(ctx, m.CurrentPath(), "pull", "--ff-only")
	if err != nil {
		return nil, models.NewError(models.ErrExecution, "pull failed: %s", firstLine(out, err))
	}
	return &models.ActionResult{Text: strings.TrimSpace(out)}, nil
}

// PRCreate opens a change request for the current branch via gh.
func (m *Manager) PRCreate(ctx context.Context) (*models.ActionResult, error) {
	out, err := m.run(ctx, m.CurrentPath(), "gh", "pr", "create", "--fill")
	if err != nil {
		return nil, models.NewError(models.ErrExecution, "pr create failed: %s", firstLine(out, err))
	}
	return &models.ActionResult{Text: strings.TrimSpace(out)}, nil
}

// PRStatus reports the state of the current branch's change request.
func (m *Manager) PRStatus(ctx context.Context) (*models.ActionResult, error) {
	out, err := m.run(ctx, m.CurrentPath(), "gh", "pr", "status")
	if err != nil {
		return nil, models.NewError(models.ErrExecution, "pr status failed: %s", firstLine(out, err))
	}
	return &models.ActionResult{Text: strings.TrimSpace(out)}, nil
}

// PRMerge merges the current branch's change request.
func (m *Manager) PRMerge(ctx context.Context) (*models.ActionResult, error) {
	out, err := m.run(ctx, m.CurrentPath(), "gh", "pr", "merge", "--squash", "--delete-branch")
	if err != nil {
		return nil, models.NewError(models.ErrExecution, "pr merge failed: %s", firstLine(out, err))
	}
	return &models.ActionResult{Text: strings.TrimSpace(out)}, nil
}

// Diff returns the uncommitted diff and its one-line stat summary.
func (m *Manager) Diff(ctx context.Context) (diffs, summary string) {
	dir := m.CurrentPath()
	out, err := m.git(ctx, dir, "diff", "HEAD")
	if err != nil {
		return "", ""
	}
	diffs = strings.TrimSpace(out)
	if diffs == "" {
		return "", ""
	}
	stat, err := m.git(ctx, dir, "diff", "HEAD", "--shortstat")
	if err == nil {
		summary = strings.TrimSpace(stat)
	}
	return diffs, summary
}

// Revert discards all uncommitted changes in the working tree.
func (m *Manager) Revert(ctx context.Context) error {
	dir := m.CurrentPath()
	if out, err := m.git(ctx, dir, "checkout", "--", "."); err != nil {
		return fmt.Errorf("git checkout: %s", firstLine(out, err))
	}
	if out, err := m.git(ctx, dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("git clean: %s", firstLine(out, err))
	}
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return m.run(ctx, dir, "git", args...)
}

func (m *Manager) run(ctx context.Context, dir, bin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Debug("command failed", "bin", bin, "args", args, "error", err)
	}
	return string(out), err
}

func repoNameFromURL(url string) string {
	name := strings.TrimSuffix(filepath.Base(url), ".git")
	// git@host:org/name.git leaves "org/name" after Base on some
	// shapes; keep only the final segment.
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

func firstLine(out string, err error) string {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return err.Error()
	}
	if idx := strings.IndexByte(trimmed, '\n'); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}
