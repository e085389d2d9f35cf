package fswatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shadowrealm/orchestrator/internal/eventbus"
)

func TestPollEmitsCreatedAndModified(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New(64)
	w := New("t1", dir, bus)

	w.poll(t.Context()) // establish baseline (no events, prev==nil)

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.poll(t.Context())

	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("longer content"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.poll(t.Context())

	sub := bus.Subscribe(t.Context(), "t1", 0)
	defer sub.Close()
	var ops []string
	for len(ops) < 2 {
		select {
		case c := <-sub.C:
			if c.Kind == eventbus.ChunkFSChange && c.FSPath == "a.txt" {
				ops = append(ops, c.FSOperation)
			}
		default:
			t.Fatalf("got fs-change ops %v, want [created modified]", ops)
		}
	}
	if ops[0] != "created" || ops[1] != "modified" {
		t.Fatalf("got fs-change ops %v, want [created modified]", ops)
	}
}

func TestIgnoredPathsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("ignored/\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "ignored"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored", "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New(64)
	w := New("t1", dir, bus)
	snap := w.scan()
	for rel := range snap {
		if rel == "ignored" || rel == filepath.Join("ignored", "x.txt") {
			t.Fatalf("expected %q to be excluded from snapshot", rel)
		}
	}
}

func TestPauseSuppressesEmission(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New(64)
	w := New("t1", dir, bus)
	w.poll(t.Context())
	w.Pause()

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.poll(t.Context())

	sub := bus.Subscribe(t.Context(), "t1", 0)
	defer sub.Close()
	select {
	case <-sub.C:
		t.Fatal("expected no events while paused")
	default:
	}
}
