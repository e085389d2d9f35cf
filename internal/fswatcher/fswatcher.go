// Package fswatcher emits fs-change events for a task's workspace,
// debounced and filtered against .gitignore, per spec §4.10 (FSWatcher,
// C10). Grounded on loop/port_monitor.go's ticker-driven polling
// goroutine — the teacher has no native filesystem-watch package, so the
// poll/diff shape is reused for directory-tree snapshots instead of
// listening ports.
package fswatcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/shadowrealm/orchestrator/internal/eventbus"
)

// snapshot maps relative path to mtime+size, cheap enough to diff every
// poll without hashing file contents.
type snapshot map[string]fileStamp

type fileStamp struct {
	modTime time.Time
	size    int64
	isDir   bool
}

// Watcher polls one task's workspace root and publishes fs-change chunks.
type Watcher struct {
	taskID string
	root   string
	bus    *eventbus.Bus
	period time.Duration

	mu      sync.Mutex
	paused  bool
	last    snapshot
	ignorer *ignore.GitIgnore
}

// New returns a Watcher for root, loading .gitignore if present.
func New(taskID, root string, bus *eventbus.Bus) *Watcher {
	w := &Watcher{taskID: taskID, root: root, bus: bus, period: 100 * time.Millisecond}
	if ign, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
		w.ignorer = ign
	}
	return w
}

// Pause stops emitting events (but keeps polling internally) until
// Resume, for CheckpointService's restore window (spec §4.7).
func (w *Watcher) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
}

// Resume re-enables event emission.
func (w *Watcher) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
}

// Start begins polling in a background goroutine until ctx is cancelled,
// mirroring PortMonitor.Start's ticker-plus-select shape.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.period)
		defer ticker.Stop()

		w.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll(ctx)
			}
		}
	}()
}

// alwaysIgnored is honored regardless of .gitignore contents, per spec §4.10.
var alwaysIgnored = []string{".git", "node_modules", "dist", "build", ".next", ".vscode", ".idea", ".DS_Store"}

func (w *Watcher) ignored(rel string) bool {
	base := filepath.Base(rel)
	for _, name := range alwaysIgnored {
		if base == name || rel == name || strings.HasPrefix(rel, name+string(filepath.Separator)) {
			return true
		}
	}
	if strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".bak") {
		return true
	}
	if w.ignorer == nil {
		return false
	}
	return w.ignorer.MatchesPath(rel)
}

func (w *Watcher) scan() snapshot {
	snap := make(snapshot)
	filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if w.ignored(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		snap[rel] = fileStamp{modTime: info.ModTime(), size: info.Size(), isDir: info.IsDir()}
		return nil
	})
	return snap
}

func (w *Watcher) poll(ctx context.Context) {
	current := w.scan()

	w.mu.Lock()
	prev := w.last
	w.last = current
	paused := w.paused
	w.mu.Unlock()

	if prev == nil || paused {
		return
	}

	for rel, stamp := range current {
		if old, ok := prev[rel]; !ok {
			w.emit(rel, "created", stamp.isDir)
		} else if !stamp.isDir && (old.modTime != stamp.modTime || old.size != stamp.size) {
			w.emit(rel, "modified", stamp.isDir)
		}
	}
	for rel, stamp := range prev {
		if _, ok := current[rel]; !ok {
			w.emit(rel, "deleted", stamp.isDir)
		}
	}
}

func (w *Watcher) emit(rel, op string, isDir bool) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(w.taskID, eventbus.StreamChunk{
		Kind:        eventbus.ChunkFSChange,
		FSOperation: op,
		FSPath:      rel,
		FSIsDir:     isDir,
	})
}
