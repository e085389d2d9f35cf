// Package workspace implements WorkspaceManager (spec §4.2): allocating,
// verifying, and tearing down a task's workspace, local or remote, and
// producing the executor.Executor bound to it.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shadowrealm/orchestrator/internal/executor"
	"github.com/shadowrealm/orchestrator/internal/gitservice"
	"github.com/shadowrealm/orchestrator/internal/orcherr"
)

// Config is the input to PrepareWorkspace, spec §4.2.
type Config struct {
	ID           string
	RepoFullName string
	RepoURL      string
	BaseBranch   string
	ShadowBranch string
	UserID       string
}

// Result carries what PrepareWorkspace produced; PodName/PodNamespace are
// only set for the remote variant.
type Result struct {
	WorkspacePath string
	BaseCommitSha string
	PodName       string
	PodNamespace  string
}

// Status is returned by GetWorkspaceStatus.
type Status struct {
	Exists  bool
	Healthy bool
	Remote  bool
}

// Manager is implemented by Local and Remote.
type Manager interface {
	PrepareWorkspace(ctx context.Context, cfg Config) (Result, error)
	GetExecutor(taskID string) (executor.Executor, bool)
	GetWorkspaceStatus(ctx context.Context, taskID string) (Status, error)
	HealthCheck(ctx context.Context, taskID string) error
	CleanupWorkspace(ctx context.Context, taskID string) error
	IsRemote() bool
}

// Local clones repos under a root directory and keeps the workspace on
// disk between sessions, grounded on the teacher's own single-host
// development model (sketch.dev runs the agent directly in a worktree
// when not containerized).
type Local struct {
	root string

	mu        sync.Mutex
	executors map[string]*executor.Local
}

// NewLocal returns a Manager rooted at root (e.g. config.WorkspaceRoot).
func NewLocal(root string) *Local {
	return &Local{root: root, executors: make(map[string]*executor.Local)}
}

func (m *Local) workspacePath(taskID string) string {
	return filepath.Join(m.root, taskID)
}

func (m *Local) PrepareWorkspace(ctx context.Context, cfg Config) (Result, error) {
	path := m.workspacePath(cfg.ID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare workspace dir: %w", err)
	}

	exec := executor.NewLocal(cfg.ID, path)
	res, err := exec.ExecuteCommand(ctx, fmt.Sprintf("git clone --branch %s %s .", shellQuote(cfg.BaseBranch), shellQuote(cfg.RepoURL)), executor.CommandOptions{NetworkAllowed: true})
	if err != nil {
		return Result{}, err
	}
	if res.ExitCode != 0 {
		return Result{}, fmt.Errorf("git clone failed: %s", res.Stderr)
	}

	gs := gitservice.New(exec)
	baseSha, err := gs.CreateShadowBranch(ctx, cfg.BaseBranch, cfg.ShadowBranch)
	if err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	m.executors[cfg.ID] = exec
	m.mu.Unlock()
	return Result{WorkspacePath: path, BaseCommitSha: baseSha}, nil
}

func (m *Local) GetExecutor(taskID string) (executor.Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executors[taskID]
	if !ok {
		// Workspace may have survived a process restart; reconstruct the
		// executor against the expected on-disk path if it's there.
		path := m.workspacePath(taskID)
		if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
			e = executor.NewLocal(taskID, path)
			m.executors[taskID] = e
			return e, true
		}
		return nil, false
	}
	return e, true
}

func (m *Local) GetWorkspaceStatus(ctx context.Context, taskID string) (Status, error) {
	path := m.workspacePath(taskID)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Status{Exists: false}, nil
	}
	healthErr := m.HealthCheck(ctx, taskID)
	return Status{Exists: true, Healthy: healthErr == nil, Remote: false}, nil
}

// HealthCheck verifies the directory exists and is a git repo, per §4.2.
func (m *Local) HealthCheck(ctx context.Context, taskID string) error {
	path := m.workspacePath(taskID)
	info, err := os.Stat(path)
	if err != nil {
		return orcherr.Wrap(orcherr.ErrUnhealthy, "workspace missing: %v", err)
	}
	if !info.IsDir() {
		return orcherr.Wrap(orcherr.ErrUnhealthy, "workspace path is not a directory")
	}
	if gitInfo, err := os.Stat(filepath.Join(path, ".git")); err != nil || !gitInfo.IsDir() {
		return orcherr.Wrap(orcherr.ErrUnhealthy, "workspace is not a git repository")
	}
	return nil
}

func (m *Local) CleanupWorkspace(ctx context.Context, taskID string) error {
	m.mu.Lock()
	delete(m.executors, taskID)
	m.mu.Unlock()
	path := m.workspacePath(taskID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // idempotent, spec §8 invariant 8
	}
	return os.RemoveAll(path)
}

func (m *Local) IsRemote() bool { return false }

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
