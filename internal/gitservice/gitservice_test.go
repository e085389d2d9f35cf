package gitservice

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/shadowrealm/orchestrator/internal/executor"
)

func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("init", "-b", "main")
	run("config", "user.email", "a@b.c")
	run("config", "user.name", "tester")
	run("add", "-A")
	run("commit", "-m", "init")
	return dir
}

func TestHasChangesReflectsWorkingTree(t *testing.T) {
	dir := newRepo(t)
	svc := New(executor.NewLocal("t1", dir))

	changed, err := svc.HasChanges(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("expected clean tree")
	}

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err = svc.HasChanges(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected dirty tree after write")
	}
}

func TestCreateShadowBranchReturnsBaseSha(t *testing.T) {
	dir := newRepo(t)
	svc := New(executor.NewLocal("t1", dir))

	wantSha, err := svc.GetCurrentCommitSha(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	baseSha, err := svc.CreateShadowBranch(t.Context(), "main", "shadow/task-1")
	if err != nil {
		t.Fatal(err)
	}
	if baseSha != wantSha {
		t.Fatalf("got base sha %q, want %q", baseSha, wantSha)
	}

	branch, err := svc.GetCurrentBranch(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if branch != "shadow/task-1" {
		t.Fatalf("got branch %q, want shadow/task-1", branch)
	}
}

func TestCommitChangesAddsCoAuthorTrailer(t *testing.T) {
	dir := newRepo(t)
	svc := New(executor.NewLocal("t1", dir))

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sha, err := svc.CommitChanges(t.Context(), CommitInput{
		User:     Person{Name: "Alice", Email: "alice@example.com"},
		CoAuthor: Person{Name: "Shadow", Email: "noreply@shadowrealm.ai"},
		Message:  "add new.txt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if sha == "" {
		t.Fatal("expected non-empty sha")
	}

	out, err := exec.Command("git", "-C", dir, "show", "-s", "--format=%B", sha).CombinedOutput()
	if err != nil {
		t.Fatal(err)
	}
	if !contains(string(out), "Co-authored-by: Shadow <noreply@shadowrealm.ai>") {
		t.Fatalf("expected co-author trailer, got %q", out)
	}
}

func TestGetFileChangesReportsAdditionsAndDeletions(t *testing.T) {
	dir := newRepo(t)
	svc := New(executor.NewLocal("t1", dir))
	if out, err := exec.Command("git", "-C", dir, "checkout", "-b", "feature").CombinedOutput(); err != nil {
		t.Fatalf("git checkout: %v: %s", err, out)
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "added.txt"), []byte("new file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if out, err := exec.Command("git", "-C", dir, "add", "-A").CombinedOutput(); err != nil {
		t.Fatalf("git add: %v: %s", err, out)
	}
	if out, err := exec.Command("git", "-C", dir, "-c", "user.email=a@b.c", "-c", "user.name=t", "commit", "-m", "m").CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v: %s", err, out)
	}

	res, err := svc.GetFileChanges(t.Context(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if res.DiffStats.TotalFiles == 0 {
		t.Fatal("expected nonzero file changes vs main")
	}
}

func TestSafeCheckoutCommitRefusesWithDirtyTree(t *testing.T) {
	dir := newRepo(t)
	svc := New(executor.NewLocal("t1", dir))
	sha, err := svc.GetCurrentCommitSha(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok := svc.SafeCheckoutCommit(t.Context(), sha); ok {
		t.Fatal("expected checkout to be refused on dirty tree")
	}
}

type fakeGenerator struct {
	message string
	calls   int
}

func (f *fakeGenerator) GenerateCommitMessage(ctx context.Context, taskID, diff string) (string, error) {
	f.calls++
	return f.message, nil
}

func TestCommitChangesIfAnyUsesFallbackMessageForSmallDiff(t *testing.T) {
	dir := newRepo(t)
	svc := New(executor.NewLocal("t1", dir))

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{message: "should not be used"}
	sha, pushErr, err := svc.CommitChangesIfAny(t.Context(), "t1", "shadow/task-t1",
		Person{Name: "tester", Email: "a@b.c"}, Person{Name: "Shadow", Email: "noreply@shadowrealm.ai"}, gen)
	if err != nil {
		t.Fatal(err)
	}
	if sha == "" {
		t.Fatal("expected a commit sha")
	}
	if gen.calls != 0 {
		t.Fatalf("expected generator not to be called for a small diff, called %d times", gen.calls)
	}
	// no remote configured, so the push is expected to fail; that must
	// not surface as err per §7's CommitFailed/PushFailed handling.
	if pushErr == nil {
		t.Fatal("expected push to fail without a configured remote")
	}
}

func TestCommitChangesIfAnyNoOpWhenClean(t *testing.T) {
	dir := newRepo(t)
	svc := New(executor.NewLocal("t1", dir))

	sha, pushErr, err := svc.CommitChangesIfAny(t.Context(), "t1", "shadow/task-t1",
		Person{Name: "tester", Email: "a@b.c"}, Person{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sha != "" || pushErr != nil {
		t.Fatalf("expected no-op on a clean tree, got sha=%q pushErr=%v", sha, pushErr)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
