package checkpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/eventbus"
	"github.com/shadowrealm/orchestrator/internal/executor"
	"github.com/shadowrealm/orchestrator/internal/gitservice"
)

type fakeWatcher struct {
	paused  bool
	resumed bool
}

func (f *fakeWatcher) Pause()  { f.paused = true }
func (f *fakeWatcher) Resume() { f.resumed = true }

func TestSidecarWatcherCallsPauseAndResumeRPCs(t *testing.T) {
	var gotPause, gotResume bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/watcher/pause":
			gotPause = true
		case "/api/watcher/resume":
			gotResume = true
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	w := &SidecarWatcher{Remote: executor.NewRemote("t1", "/workspace", ts.URL)}
	w.Pause()
	w.Resume()

	if !gotPause {
		t.Fatal("expected /api/watcher/pause to be called")
	}
	if !gotResume {
		t.Fatal("expected /api/watcher/resume to be called")
	}
}

func TestSidecarWatcherSwallowsRPCErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	w := &SidecarWatcher{Remote: executor.NewRemote("t1", "/workspace", ts.URL)}
	w.Pause()
	w.Resume()
}

type fakeTodoStore struct {
	todos map[string][]chatmsg.Todo
}

func (f *fakeTodoStore) ListBySequence(ctx context.Context, taskID string) ([]chatmsg.Todo, error) {
	return f.todos[taskID], nil
}

func (f *fakeTodoStore) ReplaceAll(ctx context.Context, taskID string, todos []chatmsg.Todo) error {
	if f.todos == nil {
		f.todos = make(map[string][]chatmsg.Todo)
	}
	f.todos[taskID] = todos
	return nil
}

type fakeMessageStore struct {
	checkpoints map[string]chatmsg.Checkpoint
	prior       *chatmsg.ChatMessage
	priorFound  bool
}

func (f *fakeMessageStore) PriorAssistantWithCheckpoint(ctx context.Context, taskID, beforeMessageID string) (*chatmsg.ChatMessage, bool, error) {
	return f.prior, f.priorFound, nil
}

func (f *fakeMessageStore) SetCheckpoint(ctx context.Context, messageID string, cp chatmsg.Checkpoint) error {
	if f.checkpoints == nil {
		f.checkpoints = make(map[string]chatmsg.Checkpoint)
	}
	f.checkpoints[messageID] = cp
	return nil
}

func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("init", "-b", "main")
	run("config", "user.email", "a@b.c")
	run("config", "user.name", "tester")
	run("add", "-A")
	run("commit", "-m", "init")
	return dir
}

func TestCreateCheckpointSkipsWhenDirty(t *testing.T) {
	dir := newRepo(t)
	exec := executor.NewLocal("t1", dir)
	git := gitservice.New(exec)
	msgs := &fakeMessageStore{}
	svc := New(git, exec, &fakeTodoStore{}, msgs, &fakeWatcher{}, eventbus.New(16))

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := svc.CreateCheckpoint(t.Context(), "t1", "m1"); err != nil {
		t.Fatal(err)
	}
	if len(msgs.checkpoints) != 0 {
		t.Fatal("expected no checkpoint recorded for dirty workspace")
	}
}

func TestCreateCheckpointRecordsShaAndTodos(t *testing.T) {
	dir := newRepo(t)
	exec := executor.NewLocal("t1", dir)
	git := gitservice.New(exec)
	todos := &fakeTodoStore{todos: map[string][]chatmsg.Todo{
		"t1": {{ID: "td1", TaskID: "t1", Content: "do thing", Status: chatmsg.TodoPending, Sequence: 1}},
	}}
	msgs := &fakeMessageStore{}
	svc := New(git, exec, todos, msgs, &fakeWatcher{}, eventbus.New(16))

	wantSha, err := git.GetCurrentCommitSha(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.CreateCheckpoint(t.Context(), "t1", "m1"); err != nil {
		t.Fatal(err)
	}
	cp, ok := msgs.checkpoints["m1"]
	if !ok {
		t.Fatal("expected checkpoint to be recorded")
	}
	if cp.CommitSha != wantSha {
		t.Fatalf("got sha %q, want %q", cp.CommitSha, wantSha)
	}
	if len(cp.TodoSnapshot) != 1 || cp.TodoSnapshot[0].ID != "td1" {
		t.Fatalf("unexpected todo snapshot: %+v", cp.TodoSnapshot)
	}
}

func TestRestoreCheckpointPausesAndResumesWatcher(t *testing.T) {
	dir := newRepo(t)
	exec := executor.NewLocal("t1", dir)
	git := gitservice.New(exec)
	baseSha, err := git.GetCurrentCommitSha(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	watcher := &fakeWatcher{}
	msgs := &fakeMessageStore{priorFound: false}
	svc := New(git, exec, &fakeTodoStore{}, msgs, watcher, eventbus.New(16))

	if err := svc.RestoreCheckpoint(t.Context(), "t1", "m2", "main", baseSha); err != nil {
		t.Fatal(err)
	}
	if !watcher.paused || !watcher.resumed {
		t.Fatal("expected watcher to be paused and resumed")
	}
}

func TestMultiTaskServiceDispatchesPerTaskBinding(t *testing.T) {
	dirA := newRepo(t)
	dirB := newRepo(t)
	execA := executor.NewLocal("a", dirA)
	execB := executor.NewLocal("b", dirB)
	gitA := gitservice.New(execA)
	gitB := gitservice.New(execB)

	msgs := &fakeMessageStore{}
	svc := NewMultiTask(&fakeTodoStore{}, msgs, eventbus.New(16))
	svc.Bind("a", gitA, execA, &fakeWatcher{})
	svc.Bind("b", gitB, execB, &fakeWatcher{})

	shaA, err := gitA.GetCurrentCommitSha(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	shaB, err := gitB.GetCurrentCommitSha(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.CreateCheckpoint(t.Context(), "a", "ma"); err != nil {
		t.Fatal(err)
	}
	if err := svc.CreateCheckpoint(t.Context(), "b", "mb"); err != nil {
		t.Fatal(err)
	}

	if msgs.checkpoints["ma"].CommitSha != shaA {
		t.Fatalf("task a checkpoint got wrong sha: %+v", msgs.checkpoints["ma"])
	}
	if msgs.checkpoints["mb"].CommitSha != shaB {
		t.Fatalf("task b checkpoint got wrong sha: %+v", msgs.checkpoints["mb"])
	}
}

func TestMultiTaskServiceErrorsWhenUnbound(t *testing.T) {
	svc := NewMultiTask(&fakeTodoStore{}, &fakeMessageStore{}, eventbus.New(16))
	if err := svc.CreateCheckpoint(t.Context(), "unknown", "m1"); err == nil {
		t.Fatal("expected error for unbound task")
	}
}
