package initengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shadowrealm/orchestrator/internal/background"
	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/eventbus"
	"github.com/shadowrealm/orchestrator/internal/executor"
	"github.com/shadowrealm/orchestrator/internal/task"
	"github.com/shadowrealm/orchestrator/internal/workspace"
)

// SessionStore records which remote sandbox is currently backing a task.
type SessionStore interface {
	ActivateSession(ctx context.Context, sess chatmsg.TaskSession) error
}

// localSteps and remoteSteps are the ordered step lists of spec §4.3.
var localSteps = []task.InitStatus{
	task.InitPrepareWorkspace,
	task.InitStartBackgroundSvcs,
	task.InitInstallDependencies,
	task.InitCompleteShadowWiki,
}

var remoteSteps = []task.InitStatus{
	task.InitCreateVM,
	task.InitWaitVMReady,
	task.InitVerifyVMWorkspace,
	task.InitStartBackgroundSvcs,
	task.InitInstallDependencies,
	task.InitCompleteShadowWiki,
}

// reinitSteps is the subset run when an ACTIVE remote task's infra was
// lost: skip START_BACKGROUND_SERVICES and COMPLETE_SHADOW_WIKI, per §4.3.
var reinitSteps = []task.InitStatus{
	task.InitCreateVM,
	task.InitWaitVMReady,
	task.InitVerifyVMWorkspace,
	task.InitInstallDependencies,
}

// lockfiles is consulted in precedence order for INSTALL_DEPENDENCIES.
var lockfiles = []struct {
	file    string
	command string
}{
	{"bun.lockb", "bun install"},
	{"pnpm-lock.yaml", "pnpm install"},
	{"yarn.lock", "yarn install"},
	{"package.json", "npm install"},
	{"requirements.txt", "pip install -r requirements.txt"},
	{"pyproject.toml", "pip install -e ."},
}

// Engine runs the init step list for a task and reports progress on bus.
type Engine struct {
	ws       workspace.Manager
	bg       *background.Manager
	bus      *eventbus.Bus
	sessions SessionStore
}

// New returns an Engine wired to the given collaborators.
func New(ws workspace.Manager, bg *background.Manager, bus *eventbus.Bus) *Engine {
	return &Engine{ws: ws, bg: bg, bus: bus}
}

// NewWithSessions returns an Engine that also records remote sandbox
// sessions in sessions as they come up.
func NewWithSessions(ws workspace.Manager, bg *background.Manager, bus *eventbus.Bus, sessions SessionStore) *Engine {
	return &Engine{ws: ws, bg: bg, bus: bus, sessions: sessions}
}

// Run drives t from INACTIVE to ACTIVE (or to FAILED on a fatal step),
// choosing the step list by mode per spec §4.3. It mutates t in place.
func (e *Engine) Run(ctx context.Context, t *task.Task, settings background.Settings) error {
	steps := localSteps
	if e.ws.IsRemote() {
		steps = remoteSteps
	}
	return e.run(ctx, t, steps, settings)
}

// Reinit runs the infra-loss subset for an ACTIVE remote task, per §4.3.
func (e *Engine) Reinit(ctx context.Context, t *task.Task, settings background.Settings) error {
	return e.run(ctx, t, reinitSteps, settings)
}

func (e *Engine) run(ctx context.Context, t *task.Task, steps []task.InitStatus, settings background.Settings) error {
	sm := NewStateMachine(steps)

	for range steps {
		next, err := sm.Advance(ctx, nil)
		if err != nil {
			return err
		}
		t.InitStatus = next
		e.publish(t.ID, "step-start", string(next), "")

		if stepErr := e.executeStep(ctx, t, next, settings); stepErr != nil {
			t.Status = task.StatusFailed
			t.InitializationError = stepErr.Error()
			t.HasInitError = true
			e.publish(t.ID, "error", string(next), stepErr.Error())
			return stepErr
		}
	}

	t.InitStatus = task.InitActive
	e.publish(t.ID, "complete", "", "")
	return nil
}

func (e *Engine) publish(taskID, phase, step, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(taskID, eventbus.StreamChunk{
		Kind:      eventbus.ChunkInitProgress,
		InitPhase: phase,
		InitStep:  step,
		Error:     errMsg,
	})
}

func (e *Engine) executeStep(ctx context.Context, t *task.Task, step task.InitStatus, settings background.Settings) error {
	switch step {
	case task.InitPrepareWorkspace, task.InitCreateVM:
		return e.prepareWorkspace(ctx, t)
	case task.InitWaitVMReady:
		return e.waitVMReady(ctx, t)
	case task.InitVerifyVMWorkspace:
		return e.verifyWorkspace(ctx, t)
	case task.InitStartBackgroundSvcs:
		exec, ok := e.ws.GetExecutor(t.ID)
		if !ok {
			return fmt.Errorf("no executor for task %s", t.ID)
		}
		e.bg.Launch(ctx, t, exec, settings)
		return nil
	case task.InitInstallDependencies:
		e.installDependencies(ctx, t) // failures are logged only, never fatal
		return nil
	case task.InitCompleteShadowWiki:
		return e.bg.WaitShadowWiki(ctx, t.ID)
	default:
		return fmt.Errorf("unknown init step %s", step)
	}
}

func (e *Engine) prepareWorkspace(ctx context.Context, t *task.Task) error {
	res, err := e.ws.PrepareWorkspace(ctx, workspace.Config{
		ID:           t.ID,
		RepoFullName: t.RepoFullName,
		RepoURL:      t.RepoURL,
		BaseBranch:   t.BaseBranch,
		ShadowBranch: t.ShadowBranch,
		UserID:       t.UserID,
	})
	if err != nil {
		return err
	}
	t.WorkspacePath = res.WorkspacePath
	if res.BaseCommitSha != "" {
		t.BaseCommitSha = res.BaseCommitSha
	}
	if e.sessions != nil && res.PodName != "" {
		if err := e.sessions.ActivateSession(ctx, chatmsg.TaskSession{
			TaskID:       t.ID,
			PodName:      res.PodName,
			PodNamespace: res.PodNamespace,
			IsActive:     true,
			CreatedAt:    time.Now(),
		}); err != nil {
			return fmt.Errorf("activate session: %w", err)
		}
	}
	return nil
}

// waitVMReady polls listDir until it succeeds and the workspace is
// non-empty, bounded to 5 attempts * 2s per spec §4.3.
func (e *Engine) waitVMReady(ctx context.Context, t *task.Task) error {
	const attempts = 5
	const interval = 2 * time.Second
	var lastErr error
	for i := 0; i < attempts; i++ {
		exec, ok := e.ws.GetExecutor(t.ID)
		if ok {
			entries, err := exec.ListDirectory(ctx, ".")
			if err == nil && len(entries) > 0 {
				return nil
			}
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("workspace not ready after %d attempts: %v", attempts, lastErr)
}

func (e *Engine) verifyWorkspace(ctx context.Context, t *task.Task) error {
	status, err := e.ws.GetWorkspaceStatus(ctx, t.ID)
	if err != nil {
		return err
	}
	if !status.Exists || !status.Healthy {
		return fmt.Errorf("workspace for task %s is not healthy", t.ID)
	}
	return nil
}

// installDependencies detects the first matching lockfile in precedence
// order and runs its install command with a 300s timeout and network
// access, per spec §4.3. Failures are logged, never fatal.
func (e *Engine) installDependencies(ctx context.Context, t *task.Task) {
	exec, ok := e.ws.GetExecutor(t.ID)
	if !ok {
		return
	}
	for _, lf := range lockfiles {
		if _, err := exec.ReadFile(ctx, lf.file, executor.ReadRange{Entire: true}); err != nil {
			continue
		}
		res, err := exec.ExecuteCommand(ctx, lf.command, executor.CommandOptions{
			Timeout:        300 * time.Second,
			NetworkAllowed: true,
		})
		if err != nil {
			slog.WarnContext(ctx, "dependency install failed", "task_id", t.ID, "command", lf.command, "error", err)
		} else if res.ExitCode != 0 {
			slog.WarnContext(ctx, "dependency install failed", "task_id", t.ID, "command", lf.command, "exit_code", res.ExitCode)
		}
		return
	}
}
