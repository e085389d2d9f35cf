// Package checkpoint implements CheckpointService (spec §4.7): snapshotting
// a task's git state and todo list after a successful assistant turn, and
// time-travel restore. Grounded in git_tools/git_tools.go's diff/show
// helpers (exercised indirectly through gitservice) plus the teacher's own
// AgentMessage.Commits tracking convention, generalized here into an
// explicit checkpoint object stored on a ChatMessage.
package checkpoint

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/eventbus"
	"github.com/shadowrealm/orchestrator/internal/executor"
	"github.com/shadowrealm/orchestrator/internal/gitservice"
	"github.com/shadowrealm/orchestrator/internal/orcherr"
)

// Watcher is the pause/resume surface CheckpointService needs; satisfied
// by internal/fswatcher.Watcher locally, and by a sidecar RPC call for the
// remote mode (spec §4.7's "Pause/Resume for remote mode is an HTTP call
// to /api/watcher/{pause,resume}").
type Watcher interface {
	Pause()
	Resume()
}

// SidecarWatcher adapts executor.Remote's PauseWatcher/ResumeWatcher RPCs
// to the parameterless Watcher interface, so remote tasks can Bind the same
// way local tasks bind fswatcher.Watcher. Pause/Resume swallow errors: a
// failed sidecar RPC shouldn't abort a checkpoint restore, only leave the
// remote watcher running a beat longer than intended.
type SidecarWatcher struct {
	Remote *executor.Remote
}

func (w *SidecarWatcher) Pause() {
	if err := w.Remote.PauseWatcher(context.Background()); err != nil {
		slog.Warn("sidecar pause watcher failed", "task_id", w.Remote.GetTaskID(), "error", err)
	}
}

func (w *SidecarWatcher) Resume() {
	if err := w.Remote.ResumeWatcher(context.Background()); err != nil {
		slog.Warn("sidecar resume watcher failed", "task_id", w.Remote.GetTaskID(), "error", err)
	}
}

// TodoStore is the minimal todo persistence surface CheckpointService
// needs: read ordered, and replace transactionally.
type TodoStore interface {
	ListBySequence(ctx context.Context, taskID string) ([]chatmsg.Todo, error)
	ReplaceAll(ctx context.Context, taskID string, todos []chatmsg.Todo) error
}

// MessageStore is the minimal message lookup CheckpointService needs to
// find the nearest prior checkpoint.
type MessageStore interface {
	PriorAssistantWithCheckpoint(ctx context.Context, taskID, beforeMessageID string) (*chatmsg.ChatMessage, bool, error)
	SetCheckpoint(ctx context.Context, messageID string, cp chatmsg.Checkpoint) error
}

// binding is one task's checkpoint collaborators: its own git service bound
// to its own workspace executor, and its own fswatcher.
type binding struct {
	git     *gitservice.Service
	exec    executor.Executor
	watcher Watcher
}

// Service implements createCheckpoint/restoreCheckpoint. A single Service
// serves every task, the same way chatengine.Engine does: git/exec/watcher
// are per task, not per process, so calls are dispatched through Bind'd
// bindings keyed by task ID. The collaborators passed to New remain the
// fallback for callers (tests, single-task setups) that never call Bind.
type Service struct {
	fallback binding

	mu       sync.Mutex
	bindings map[string]binding

	todos TodoStore
	msgs  MessageStore
	bus   *eventbus.Bus
	now   func() time.Time
}

// New returns a Service whose default collaborators are git/exec/watcher;
// call Bind to register per-task collaborators in a multi-task process.
func New(git *gitservice.Service, exec executor.Executor, todos TodoStore, msgs MessageStore, watcher Watcher, bus *eventbus.Bus) *Service {
	return &Service{
		fallback: binding{git: git, exec: exec, watcher: watcher},
		bindings: make(map[string]binding),
		todos:    todos, msgs: msgs, bus: bus, now: time.Now,
	}
}

// NewMultiTask returns a Service with no fallback collaborators: every
// task must be registered via Bind before CreateCheckpoint or
// RestoreCheckpoint is called for it. Used by the daemon wiring, where one
// Service instance serves every task and each task's git/executor/watcher
// only exist once its workspace has been prepared.
func NewMultiTask(todos TodoStore, msgs MessageStore, bus *eventbus.Bus) *Service {
	return &Service{bindings: make(map[string]binding), todos: todos, msgs: msgs, bus: bus, now: time.Now}
}

// Bind registers taskID's own git service, executor, and watcher, so
// CreateCheckpoint/RestoreCheckpoint act on that task's workspace instead
// of the fallback collaborators passed to New.
func (s *Service) Bind(taskID string, git *gitservice.Service, exec executor.Executor, watcher Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[taskID] = binding{git: git, exec: exec, watcher: watcher}
}

// Unbind drops taskID's registered collaborators, e.g. once its workspace
// is cleaned up.
func (s *Service) Unbind(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, taskID)
}

func (s *Service) resolve(taskID string) binding {
	s.mu.Lock()
	b, ok := s.bindings[taskID]
	s.mu.Unlock()
	if ok {
		return b
	}
	return s.fallback
}

// CreateCheckpoint snapshots HEAD + todos onto messageID, or skips
// silently if the workspace is dirty, per spec §4.7.
func (s *Service) CreateCheckpoint(ctx context.Context, taskID, messageID string) error {
	b := s.resolve(taskID)
	if b.git == nil {
		return orcherr.Wrap(orcherr.ErrNotFound, "checkpoint: no git binding for task %s", taskID)
	}
	dirty, err := b.git.HasChanges(ctx)
	if err != nil {
		return err
	}
	if dirty {
		return nil // skip silently, workspace not clean
	}

	sha, err := b.git.GetCurrentCommitSha(ctx)
	if err != nil {
		return err
	}
	todos, err := s.todos.ListBySequence(ctx, taskID)
	if err != nil {
		return err
	}
	sort.Slice(todos, func(i, j int) bool { return todos[i].Sequence < todos[j].Sequence })

	return s.msgs.SetCheckpoint(ctx, messageID, chatmsg.Checkpoint{
		CommitSha:      sha,
		TodoSnapshot:   todos,
		CreatedAt:      s.now(),
		WorkspaceState: "clean",
	})
}

// RestoreCheckpoint time-travels taskID to the checkpoint recorded at the
// nearest ASSISTANT message strictly before targetMessageID, per the
// 7-step procedure of spec §4.7.
func (s *Service) RestoreCheckpoint(ctx context.Context, taskID, targetMessageID, baseBranch, baseCommitSha string) error {
	msg, found, err := s.msgs.PriorAssistantWithCheckpoint(ctx, taskID, targetMessageID)
	if err != nil {
		return err
	}

	var sha string
	var todos []chatmsg.Todo
	if found {
		sha = msg.Metadata.Checkpoint.CommitSha
		todos = msg.Metadata.Checkpoint.TodoSnapshot
	} else {
		sha = baseCommitSha
		todos = nil
	}

	b := s.resolve(taskID)
	if b.git == nil || b.watcher == nil {
		return orcherr.Wrap(orcherr.ErrNotFound, "checkpoint: no binding for task %s", taskID)
	}
	b.watcher.Pause()
	defer b.watcher.Resume()

	if ok := b.git.SafeCheckoutCommit(ctx, sha); !ok {
		slog.WarnContext(ctx, "checkpoint restore: checkout skipped, workspace dirty", "task_id", taskID, "sha", sha)
	}

	if err := s.todos.ReplaceAll(ctx, taskID, todos); err != nil {
		return err
	}
	s.publishTodoUpdate(taskID, todos)

	time.Sleep(150 * time.Millisecond)

	changes, diffErr := b.git.GetFileChanges(ctx, baseBranch)
	var tree []string
	if b.exec != nil {
		if entries, lsErr := b.exec.ListDirectoryRecursive(ctx, "."); lsErr == nil {
			for _, e := range entries {
				tree = append(tree, e.RelativePath)
			}
		}
	}
	if diffErr == nil {
		s.publishFSOverride(taskID, changes, tree)
	}

	time.Sleep(200 * time.Millisecond)
	return nil
}

func (s *Service) publishTodoUpdate(taskID string, todos []chatmsg.Todo) {
	if s.bus == nil {
		return
	}
	views := make([]eventbus.TodoView, len(todos))
	totals := map[string]int{}
	for i, t := range todos {
		views[i] = eventbus.TodoView{ID: t.ID, Content: t.Content, Status: string(t.Status)}
		totals[string(t.Status)]++
	}
	s.bus.Publish(taskID, eventbus.StreamChunk{
		Kind:       eventbus.ChunkTodoUpdate,
		Todos:      views,
		TodoAction: "replaced",
		TodoTotals: totals,
	})
}

func (s *Service) publishFSOverride(taskID string, changes gitservice.FileChangesResult, tree []string) {
	if s.bus == nil {
		return
	}
	views := make([]eventbus.FileChangeView, len(changes.FileChanges))
	for i, c := range changes.FileChanges {
		views[i] = eventbus.FileChangeView{
			Path:      c.Path,
			Op:        string(c.Op),
			Additions: c.Additions,
			Deletions: c.Deletions,
		}
	}
	s.bus.Publish(taskID, eventbus.StreamChunk{
		Kind:        eventbus.ChunkFSOverride,
		FileChanges: views,
		DiffStats: eventbus.DiffStatsView{
			Additions:  changes.DiffStats.Additions,
			Deletions:  changes.DiffStats.Deletions,
			TotalFiles: changes.DiffStats.TotalFiles,
		},
		CodebaseTree: tree,
		Message:      "restored checkpoint",
	})
}
