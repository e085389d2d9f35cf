// Package background implements BackgroundServiceManager (spec §4.4):
// launching and tracking per-task services that run alongside the agent
// loop. Grounded on loop/port_monitor.go's ticker-driven background
// goroutine shape, generalized from one fixed monitor to a named-service
// registry with a blocking flag.
package background

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/executor"
	"github.com/shadowrealm/orchestrator/internal/ids"
	"github.com/shadowrealm/orchestrator/internal/onstart"
	"github.com/shadowrealm/orchestrator/internal/task"
)

// CodebaseUnderstandingStore persists the shadowWiki analysis so tasks that
// share a repository don't each re-walk it from scratch, and records which
// understanding a task is linked to.
type CodebaseUnderstandingStore interface {
	GetCodebaseUnderstanding(ctx context.Context, repoFullName string) (*chatmsg.CodebaseUnderstanding, bool, error)
	UpsertCodebaseUnderstanding(ctx context.Context, cu chatmsg.CodebaseUnderstanding) error
	SaveTask(ctx context.Context, t *task.Task) error
}

// Name identifies a background service.
type Name string

const (
	ShadowWiki Name = "shadowWiki"
	Indexing   Name = "indexing"
)

// Status records one service's lifecycle, per spec §4.4.
type Status struct {
	Name      Name
	Started   bool
	Completed bool
	Failed    bool
	Blocking  bool
	Error     string
}

func (s Status) terminal() bool { return s.Completed || s.Failed }

// Settings controls which services are enabled, per spec §4.4 defaults.
type Settings struct {
	ShadowWikiEnabled bool
	IndexingEnabled   bool
}

// DefaultSettings returns shadowWiki=on, indexing=off.
func DefaultSettings() Settings {
	return Settings{ShadowWikiEnabled: true, IndexingEnabled: false}
}

// Manager launches and tracks background services per task.
type Manager struct {
	mu       sync.Mutex
	statuses map[string]map[Name]*Status
	store    CodebaseUnderstandingStore
}

// New returns an empty Manager with no codebase-understanding cache; every
// task's shadowWiki analysis runs from scratch.
func New() *Manager {
	return &Manager{statuses: make(map[string]map[Name]*Status)}
}

// NewWithStore returns a Manager that caches shadowWiki analysis results in
// store, keyed by repository, so concurrent or later tasks against the same
// repo skip re-analysis.
func NewWithStore(store CodebaseUnderstandingStore) *Manager {
	return &Manager{statuses: make(map[string]map[Name]*Status), store: store}
}

func (m *Manager) set(taskID string, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svcs, ok := m.statuses[taskID]
	if !ok {
		svcs = make(map[Name]*Status)
		m.statuses[taskID] = svcs
	}
	cur, ok := svcs[st.Name]
	if !ok {
		svcs[st.Name] = &st
		return
	}
	*cur = st
}

// Statuses returns a snapshot of every service recorded for taskID.
func (m *Manager) Statuses(taskID string) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	svcs := m.statuses[taskID]
	out := make([]Status, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, *s)
	}
	return out
}

// AreAllServicesComplete is true iff every blocking service for taskID has
// reached a terminal state, per spec §4.4.
func (m *Manager) AreAllServicesComplete(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.statuses[taskID] {
		if s.Blocking && !s.terminal() {
			return false
		}
	}
	return true
}

// Launch starts the enabled services for a task and returns once they are
// *launched*, not once they complete — START_BACKGROUND_SERVICES is
// non-blocking per spec §4.3. Each enabled service runs in its own
// goroutine; Launch does not wait for any of them.
func (m *Manager) Launch(ctx context.Context, t *task.Task, exec executor.Executor, settings Settings) {
	if settings.ShadowWikiEnabled {
		m.set(t.ID, Status{Name: ShadowWiki, Started: true, Blocking: true})
		go m.runShadowWiki(ctx, t, exec)
	}
	if settings.IndexingEnabled {
		m.set(t.ID, Status{Name: Indexing, Started: true, Blocking: false})
		go m.runIndexing(ctx, t.ID, exec)
	}
}

// runShadowWiki serves a cached analysis for t.RepoFullName when one exists
// (every task against the same repo shares the understanding) and only
// walks the workspace when the cache misses or no store is configured.
// Either way it links t.CodebaseUnderstandingID to the understanding it
// used, per spec.md's "linked to a task via codebaseUnderstandingId".
func (m *Manager) runShadowWiki(ctx context.Context, t *task.Task, exec executor.Executor) {
	if m.store != nil && t.RepoFullName != "" {
		if cached, ok, err := m.store.GetCodebaseUnderstanding(ctx, t.RepoFullName); err == nil && ok {
			m.linkCodebaseUnderstanding(ctx, t, cached.ID)
			m.set(t.ID, Status{Name: ShadowWiki, Started: true, Blocking: true, Completed: true})
			return
		}
	}

	codebase, err := onstart.AnalyzeCodebase(ctx, exec)
	if err != nil {
		m.set(t.ID, Status{Name: ShadowWiki, Started: true, Blocking: true, Failed: true, Error: err.Error()})
		return
	}
	if m.store != nil && t.RepoFullName != "" {
		if summary, err := json.Marshal(codebase); err == nil {
			cu := chatmsg.CodebaseUnderstanding{
				ID:           ids.NewCorrelationID(),
				RepoFullName: t.RepoFullName,
				Summary:      summary,
				UpdatedAt:    time.Now(),
			}
			if err := m.store.UpsertCodebaseUnderstanding(ctx, cu); err == nil {
				m.linkCodebaseUnderstanding(ctx, t, cu.ID)
			}
		}
	}
	m.set(t.ID, Status{Name: ShadowWiki, Started: true, Blocking: true, Completed: true})
}

func (m *Manager) linkCodebaseUnderstanding(ctx context.Context, t *task.Task, understandingID string) {
	t.CodebaseUnderstandingID = understandingID
	if err := m.store.SaveTask(ctx, t); err != nil {
		slog.WarnContext(ctx, "link codebase understanding to task", "task_id", t.ID, "error", err)
	}
}

// runIndexing builds a per-top-level-directory file count, fanning out one
// goroutine per top-level folder via golang.org/x/sync/errgroup (the
// teacher's own dependency for concurrent work); top-level files are not
// counted.
func (m *Manager) runIndexing(ctx context.Context, taskID string, exec executor.Executor) {
	top, err := exec.ListDirectory(ctx, ".")
	if err != nil {
		m.set(taskID, Status{Name: Indexing, Started: true, Blocking: false, Failed: true, Error: err.Error()})
		return
	}

	var mu sync.Mutex
	counts := make(map[string]int, len(top))
	eg, egCtx := errgroup.WithContext(ctx)
	for _, entry := range top {
		if entry.Type != executor.EntryFolder {
			continue
		}
		entry := entry
		eg.Go(func() error {
			files, err := exec.ListDirectoryRecursive(egCtx, entry.RelativePath)
			if err != nil {
				return err
			}
			mu.Lock()
			counts[entry.RelativePath] = len(files)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		m.set(taskID, Status{Name: Indexing, Started: true, Blocking: false, Failed: true, Error: err.Error()})
		return
	}
	slog.Debug("indexing complete", "task_id", taskID, "directories", len(counts))
	m.set(taskID, Status{Name: Indexing, Started: true, Blocking: false, Completed: true})
}

// WaitShadowWiki polls every 2s (bounded ≤10min) until shadowWiki and any
// other blocking services terminate, per spec §4.3 COMPLETE_SHADOW_WIKI.
func (m *Manager) WaitShadowWiki(ctx context.Context, taskID string) error {
	deadline := time.Now().Add(10 * time.Minute)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		if m.AreAllServicesComplete(taskID) {
			return nil
		}
		if time.Now().After(deadline) {
			return nil // failures here never escalate to init failure, per §4.4
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
