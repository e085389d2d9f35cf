package initengine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/shadowrealm/orchestrator/internal/background"
	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/eventbus"
	"github.com/shadowrealm/orchestrator/internal/task"
	"github.com/shadowrealm/orchestrator/internal/workspace"
)

// podWorkspace wraps a *workspace.Local but reports a pod name, as a
// remote workspace manager would, so session activation can be tested
// without standing up a real sandbox.
type podWorkspace struct {
	*workspace.Local
}

func (p *podWorkspace) PrepareWorkspace(ctx context.Context, cfg workspace.Config) (workspace.Result, error) {
	res, err := p.Local.PrepareWorkspace(ctx, cfg)
	if err != nil {
		return res, err
	}
	res.PodName = "pod-" + cfg.ID
	res.PodNamespace = "shadow-sandboxes"
	return res, nil
}

type fakeSessionStore struct {
	activated []chatmsg.TaskSession
}

func (f *fakeSessionStore) ActivateSession(ctx context.Context, sess chatmsg.TaskSession) error {
	f.activated = append(f.activated, sess)
	return nil
}

func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("init", "-b", "main")
	run("config", "user.email", "a@b.c")
	run("config", "user.name", "tester")
	run("add", "-A")
	run("commit", "-m", "init")
	return dir
}

func TestRunLocalAdvancesToActive(t *testing.T) {
	repo := newBareRemote(t)
	root := t.TempDir()

	ws := workspace.NewLocal(root)
	bg := background.New()
	bus := eventbus.New(64)

	eng := New(ws, bg, bus)

	tk := &task.Task{
		ID:           "t1",
		RepoFullName: "acme/widgets",
		RepoURL:      repo,
		BaseBranch:   "main",
		ShadowBranch: task.DefaultShadowBranch("t1"),
	}

	err := eng.Run(t.Context(), tk, background.Settings{ShadowWikiEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if tk.InitStatus != task.InitActive {
		t.Fatalf("got init status %s, want ACTIVE", tk.InitStatus)
	}
	if tk.WorkspacePath == "" {
		t.Fatal("expected workspace path to be set")
	}
	if tk.BaseCommitSha == "" {
		t.Fatal("expected base commit sha to be recorded")
	}
}

func TestRunActivatesSessionWhenWorkspaceReturnsPodName(t *testing.T) {
	repo := newBareRemote(t)
	root := t.TempDir()

	ws := &podWorkspace{Local: workspace.NewLocal(root)}
	bg := background.New()
	bus := eventbus.New(64)
	sessions := &fakeSessionStore{}

	eng := NewWithSessions(ws, bg, bus, sessions)

	tk := &task.Task{
		ID:           "t1",
		RepoFullName: "acme/widgets",
		RepoURL:      repo,
		BaseBranch:   "main",
		ShadowBranch: task.DefaultShadowBranch("t1"),
	}

	if err := eng.Run(t.Context(), tk, background.Settings{ShadowWikiEnabled: true}); err != nil {
		t.Fatal(err)
	}
	if len(sessions.activated) != 1 {
		t.Fatalf("expected one session activation, got %d", len(sessions.activated))
	}
	if sessions.activated[0].PodName != "pod-t1" {
		t.Fatalf("unexpected pod name: %q", sessions.activated[0].PodName)
	}
}

func TestStateMachineAdvancesInOrder(t *testing.T) {
	sm := NewStateMachine([]task.InitStatus{task.InitPrepareWorkspace, task.InitInstallDependencies})

	first, err := sm.Advance(t.Context(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != task.InitPrepareWorkspace {
		t.Fatalf("got %s, want PREPARE_WORKSPACE", first)
	}
	second, err := sm.Advance(t.Context(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if second != task.InitInstallDependencies {
		t.Fatalf("got %s, want INSTALL_DEPENDENCIES", second)
	}
	third, err := sm.Advance(t.Context(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if third != task.InitActive {
		t.Fatalf("got %s, want ACTIVE", third)
	}
	if len(sm.History()) != 3 {
		t.Fatalf("got %d history entries, want 3", len(sm.History()))
	}
}
