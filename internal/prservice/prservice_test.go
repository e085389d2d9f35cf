package prservice

import (
	"context"
	"errors"
	"testing"

	"github.com/shadowrealm/orchestrator/internal/llmclient"
	"github.com/shadowrealm/orchestrator/internal/task"
)

type fakeHost struct {
	open      bool
	openErr   error
	created   *CreatePRInput
	createErr error
}

func (f *fakeHost) HasOpenPR(ctx context.Context, repoFullName, branch string) (bool, error) {
	return f.open, f.openErr
}

func (f *fakeHost) CreatePR(ctx context.Context, in CreatePRInput) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	cp := in
	f.created = &cp
	return "https://example.test/pr/1", nil
}

func testTask() *task.Task {
	return &task.Task{
		ID:           "task_1",
		RepoFullName: "acme/widgets",
		BaseBranch:   "main",
		ShadowBranch: "shadow/task-task_1",
	}
}

func TestMaybeCreatePRSkipsWhenHostNil(t *testing.T) {
	svc := New(&llmclient.Fake{}, nil, "")
	if err := svc.MaybeCreatePR(t.Context(), testTask(), "diff", nil, true); err != nil {
		t.Fatalf("expected no-op with nil host, got %v", err)
	}
}

func TestMaybeCreatePRSkipsWhenOpenPRExists(t *testing.T) {
	host := &fakeHost{open: true}
	svc := New(&llmclient.Fake{}, host, "")
	if err := svc.MaybeCreatePR(t.Context(), testTask(), "diff", nil, true); err != nil {
		t.Fatal(err)
	}
	if host.created != nil {
		t.Fatal("expected CreatePR not to be called when a PR is already open")
	}
}

func TestMaybeCreatePRUsesGeneratedMetadata(t *testing.T) {
	host := &fakeHost{}
	fake := &llmclient.Fake{Chunks: []llmclient.Chunk{
		{Kind: llmclient.ChunkContent, Text: `{"title":"Add widgets","description":"Implements widgets.","isDraft":false}`},
		{Kind: llmclient.ChunkComplete, FinishReason: "stop"},
	}}
	svc := New(fake, host, "")

	if err := svc.MaybeCreatePR(t.Context(), testTask(), "diff", []string{"add widgets"}, true); err != nil {
		t.Fatal(err)
	}
	if host.created == nil {
		t.Fatal("expected CreatePR to be called")
	}
	if host.created.Title != "Add widgets" {
		t.Fatalf("title = %q", host.created.Title)
	}
	if host.created.Draft {
		t.Fatal("expected non-draft PR for a completed task")
	}
	if host.created.Base != "main" || host.created.Head != "shadow/task-task_1" {
		t.Fatalf("unexpected base/head: %+v", host.created)
	}
}

func TestMaybeCreatePRForcesDraftWhenTaskNotCompleted(t *testing.T) {
	host := &fakeHost{}
	fake := &llmclient.Fake{Chunks: []llmclient.Chunk{
		{Kind: llmclient.ChunkContent, Text: `{"title":"WIP widgets","description":"Partial.","isDraft":false}`},
		{Kind: llmclient.ChunkComplete, FinishReason: "stop"},
	}}
	svc := New(fake, host, "")

	if err := svc.MaybeCreatePR(t.Context(), testTask(), "diff", nil, false); err != nil {
		t.Fatal(err)
	}
	if host.created == nil || !host.created.Draft {
		t.Fatal("expected draft PR forced for an incomplete task regardless of model output")
	}
}

func TestMaybeCreatePRFallsBackOnGenerationFailure(t *testing.T) {
	host := &fakeHost{}
	fake := &llmclient.Fake{Chunks: []llmclient.Chunk{
		{Kind: llmclient.ChunkError, Err: errors.New("boom")},
	}}
	svc := New(fake, host, "")

	if err := svc.MaybeCreatePR(t.Context(), testTask(), "diff", []string{"fix bug"}, true); err != nil {
		t.Fatal(err)
	}
	if host.created == nil {
		t.Fatal("expected fallback metadata to still produce a PR")
	}
	if host.created.Title != "fix bug" {
		t.Fatalf("expected fallback title to use first commit message, got %q", host.created.Title)
	}
}

func TestMaybeCreatePRPropagatesHostCreateError(t *testing.T) {
	host := &fakeHost{createErr: errors.New("host down")}
	fake := &llmclient.Fake{Chunks: []llmclient.Chunk{
		{Kind: llmclient.ChunkContent, Text: `{"title":"x","description":"y","isDraft":false}`},
		{Kind: llmclient.ChunkComplete, FinishReason: "stop"},
	}}
	svc := New(fake, host, "")

	if err := svc.MaybeCreatePR(t.Context(), testTask(), "diff", nil, true); err == nil {
		t.Fatal("expected error from host.CreatePR to propagate")
	}
}

func TestTruncateDiffBoundsLength(t *testing.T) {
	big := make([]byte, maxDiffBytes*2)
	for i := range big {
		big[i] = 'a'
	}
	out := truncateDiff(string(big))
	if len(out) <= maxDiffBytes || len(out) > maxDiffBytes+32 {
		t.Fatalf("unexpected truncated length %d", len(out))
	}
}
