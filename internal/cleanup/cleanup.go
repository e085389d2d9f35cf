// Package cleanup implements TaskCleanupService (spec §4.9): a
// periodic sweep that tears down workspaces for tasks past their
// scheduled cleanup deadline. Grounded on loop/port_monitor.go's
// ticker-driven polling goroutine, generalized from port diffing to a
// due-task sweep.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/shadowrealm/orchestrator/internal/task"
	"github.com/shadowrealm/orchestrator/internal/workspace"
)

// Store is the minimal task persistence surface the sweep needs.
type Store interface {
	DueForCleanup(ctx context.Context, now time.Time) ([]*task.Task, error)
	Save(ctx context.Context, t *task.Task) error
	DeactivateSession(ctx context.Context, taskID string) error
}

// TaskStateCleaner drops a task's in-memory chatengine state (spec §4.6.5),
// satisfied by chatengine.Engine.CleanupTask.
type TaskStateCleaner interface {
	CleanupTask(taskID string)
}

// CheckpointUnbinder drops a task's checkpoint collaborators, satisfied by
// checkpoint.Service.Unbind.
type CheckpointUnbinder interface {
	Unbind(taskID string)
}

// Service runs the periodic sweep. Only meaningful in remote mode, per
// spec §4.9 ("runs only in remote mode") — the caller decides whether to
// start it based on the active WorkspaceManager's IsRemote().
type Service struct {
	store       Store
	ws          workspace.Manager
	chat        TaskStateCleaner
	checkpoints CheckpointUnbinder
	now         func() time.Time
}

// New returns a Service bound to its collaborators, with no in-memory
// state to drop. Use NewWithChat in a daemon that also runs chatengine and
// checkpoint services for the same tasks.
func New(store Store, ws workspace.Manager) *Service {
	return &Service{store: store, ws: ws, now: time.Now}
}

// NewWithChat returns a Service that additionally drops a task's
// chatengine in-memory state and checkpoint binding once its workspace is
// torn down, so neither accumulates across the lifetime of a long-running
// daemon process.
func NewWithChat(store Store, ws workspace.Manager, chat TaskStateCleaner, checkpoints CheckpointUnbinder) *Service {
	return &Service{store: store, ws: ws, chat: chat, checkpoints: checkpoints, now: time.Now}
}

// Start runs the sweep every 60s until ctx is cancelled, mirroring
// PortMonitor.Start's ticker-plus-select shape.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Service) sweep(ctx context.Context) {
	due, err := s.store.DueForCleanup(ctx, s.now())
	if err != nil {
		slog.ErrorContext(ctx, "cleanup sweep: list due tasks", "error", err)
		return
	}
	for _, t := range due {
		s.cleanupOne(ctx, t)
	}
}

// cleanupOne clears a task's scheduled cleanup regardless of outcome, per
// spec §4.9's "on failure, still clears scheduledCleanupAt to avoid retry
// storms." status is left as-is so the user can resume later.
func (s *Service) cleanupOne(ctx context.Context, t *task.Task) {
	if err := s.ws.CleanupWorkspace(ctx, t.ID); err != nil {
		slog.WarnContext(ctx, "cleanup workspace failed", "task_id", t.ID, "error", err)
	} else {
		t.WorkspaceCleanedUp = true
	}

	if err := s.store.DeactivateSession(ctx, t.ID); err != nil {
		slog.WarnContext(ctx, "deactivate session failed", "task_id", t.ID, "error", err)
	}

	t.InitStatus = task.InitInactive
	t.CancelScheduledCleanup()

	if err := s.store.Save(ctx, t); err != nil {
		slog.ErrorContext(ctx, "cleanup sweep: save task", "task_id", t.ID, "error", err)
	}

	if s.chat != nil {
		s.chat.CleanupTask(t.ID)
	}
	if s.checkpoints != nil {
		s.checkpoints.Unbind(t.ID)
	}
}
