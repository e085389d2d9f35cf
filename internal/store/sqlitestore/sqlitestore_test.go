package sqlitestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.db")
	s, err := Open(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id string) *task.Task {
	now := time.Unix(1700000000, 0).UTC()
	return &task.Task{
		ID:            id,
		RepoFullName:  "acme/widgets",
		RepoURL:       "https://example.com/acme/widgets.git",
		BaseBranch:    "main",
		ShadowBranch:  task.DefaultShadowBranch(id),
		BaseCommitSha: "deadbeef",
		WorkspacePath: "/workspaces/" + id,
		Status:        task.StatusRunning,
		InitStatus:    task.InitActive,
		UserID:        "user_1",
		CreatedAt:     now,
		LastActiveAt:  now,
	}
}

func TestSaveAndGetTaskRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	tk := sampleTask("task_1")
	if err := s.SaveTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RepoFullName != tk.RepoFullName || got.Status != tk.Status || got.ShadowBranch != tk.ShadowBranch {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.ScheduledCleanupAt != nil {
		t.Fatalf("expected nil ScheduledCleanupAt, got %v", got.ScheduledCleanupAt)
	}

	tk.Status = task.StatusCompleted
	deadline := tk.CreatedAt.Add(time.Hour)
	tk.ScheduledCleanupAt = &deadline
	if err := s.SaveTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetTask(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status not updated: %v", got.Status)
	}
	if got.ScheduledCleanupAt == nil || !got.ScheduledCleanupAt.Equal(deadline) {
		t.Fatalf("scheduled cleanup not persisted: %v", got.ScheduledCleanupAt)
	}
}

func TestDueForCleanupClaimsOnlyOverdueTasksAndClearsDeadline(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	now := time.Unix(1700000000, 0).UTC()
	overdue := sampleTask("task_due")
	due := now.Add(-time.Minute)
	overdue.ScheduledCleanupAt = &due
	notYet := sampleTask("task_not_due")
	future := now.Add(time.Hour)
	notYet.ScheduledCleanupAt = &future
	noDeadline := sampleTask("task_none")

	for _, tk := range []*task.Task{overdue, notYet, noDeadline} {
		if err := s.SaveTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := s.DueForCleanup(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != "task_due" {
		t.Fatalf("expected exactly task_due claimed, got %+v", claimed)
	}

	stored, err := s.GetTask(ctx, "task_due")
	if err != nil {
		t.Fatal(err)
	}
	if stored.ScheduledCleanupAt != nil {
		t.Fatalf("expected deadline cleared in storage after claim, got %v", stored.ScheduledCleanupAt)
	}

	again, err := s.DueForCleanup(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("expected second sweep to claim nothing, got %+v", again)
	}
}

func TestChatMessageLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	seq, err := s.NextSequence(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("expected first sequence 1, got %d", seq)
	}

	msg := &chatmsg.ChatMessage{
		ID:        "msg_1",
		TaskID:    "task_1",
		Role:      chatmsg.RoleAssistant,
		Sequence:  seq,
		Content:   "hello",
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Metadata: chatmsg.Metadata{
			Checkpoint: &chatmsg.Checkpoint{CommitSha: "abc123", CreatedAt: time.Unix(1700000000, 0).UTC()},
		},
	}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	seq2, err := s.NextSequence(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if seq2 != 2 {
		t.Fatalf("expected second sequence 2, got %d", seq2)
	}

	got, ok, err := s.GetMessage(ctx, "task_1", "msg_1")
	if err != nil || !ok {
		t.Fatalf("get message failed: ok=%v err=%v", ok, err)
	}
	if got.Content != "hello" || got.Metadata.Checkpoint == nil || got.Metadata.Checkpoint.CommitSha != "abc123" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	msg2 := &chatmsg.ChatMessage{ID: "msg_2", TaskID: "task_1", Role: chatmsg.RoleUser, Sequence: seq2, Content: "follow up", CreatedAt: msg.CreatedAt.Add(time.Second)}
	if err := s.AppendMessage(ctx, msg2); err != nil {
		t.Fatal(err)
	}

	prior, ok, err := s.PriorAssistantWithCheckpoint(ctx, "task_1", "msg_2")
	if err != nil || !ok {
		t.Fatalf("expected prior checkpointed assistant message, ok=%v err=%v", ok, err)
	}
	if prior.ID != "msg_1" {
		t.Fatalf("expected msg_1, got %s", prior.ID)
	}

	if err := s.DeleteMessagesAfter(ctx, "task_1", 1); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListMessages(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "msg_1" {
		t.Fatalf("expected only msg_1 to remain, got %+v", all)
	}

	got.Content = "edited"
	edited := time.Unix(1700000100, 0).UTC()
	got.EditedAt = &edited
	if err := s.UpdateMessage(ctx, got); err != nil {
		t.Fatal(err)
	}
	got2, _, err := s.GetMessage(ctx, "task_1", "msg_1")
	if err != nil {
		t.Fatal(err)
	}
	if got2.Content != "edited" || got2.EditedAt == nil {
		t.Fatalf("update not persisted: %+v", got2)
	}
}

func TestSetCheckpointAddsToExistingMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	msg := &chatmsg.ChatMessage{ID: "msg_1", TaskID: "task_1", Role: chatmsg.RoleAssistant, Sequence: 1, Content: "x", CreatedAt: time.Unix(1700000000, 0).UTC(), Metadata: chatmsg.Metadata{FinishReason: "stop"}}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	cp := chatmsg.Checkpoint{CommitSha: "sha1", CreatedAt: time.Unix(1700000005, 0).UTC()}
	if err := s.SetCheckpoint(ctx, "msg_1", cp); err != nil {
		t.Fatal(err)
	}

	got, _, err := s.GetMessage(ctx, "task_1", "msg_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata.FinishReason != "stop" {
		t.Fatalf("expected prior metadata preserved, got %+v", got.Metadata)
	}
	if got.Metadata.Checkpoint == nil || got.Metadata.Checkpoint.CommitSha != "sha1" {
		t.Fatalf("checkpoint not set: %+v", got.Metadata.Checkpoint)
	}
}

func TestTodoReplaceAllIsTransactionalAndOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	todos := []chatmsg.Todo{
		{ID: "t2", TaskID: "task_1", Content: "second", Status: chatmsg.TodoPending, Sequence: 2},
		{ID: "t1", TaskID: "task_1", Content: "first", Status: chatmsg.TodoCompleted, Sequence: 1},
	}
	if err := s.ReplaceAll(ctx, "task_1", todos); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListBySequence(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "t1" || got[1].ID != "t2" {
		t.Fatalf("unexpected order: %+v", got)
	}

	if err := s.ReplaceAll(ctx, "task_1", []chatmsg.Todo{{ID: "t3", TaskID: "task_1", Content: "only", Status: chatmsg.TodoPending, Sequence: 1}}); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListBySequence(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "t3" {
		t.Fatalf("expected replace to drop old rows, got %+v", got)
	}
}

func TestTaskSessionActivateAndDeactivate(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	sess := chatmsg.TaskSession{TaskID: "task_1", PodName: "pod-1", PodNamespace: "ns", IsActive: true, CreatedAt: time.Unix(1700000000, 0).UTC()}
	if err := s.ActivateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.DeactivateSession(ctx, "task_1"); err != nil {
		t.Fatal(err)
	}
	// Reactivating after deactivation should clear ended_at via upsert.
	if err := s.ActivateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
}

func TestCodebaseUnderstandingUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	cu := chatmsg.CodebaseUnderstanding{ID: "cu_1", RepoFullName: "acme/widgets", Summary: []byte("a summary"), UpdatedAt: time.Unix(1700000000, 0).UTC()}
	if err := s.UpsertCodebaseUnderstanding(ctx, cu); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.GetCodebaseUnderstanding(ctx, "acme/widgets")
	if err != nil || !ok {
		t.Fatalf("expected found, ok=%v err=%v", ok, err)
	}
	if string(got.Summary) != "a summary" {
		t.Fatalf("unexpected summary: %s", got.Summary)
	}

	cu.Summary = []byte("updated summary")
	cu.UpdatedAt = cu.UpdatedAt.Add(time.Minute)
	if err := s.UpsertCodebaseUnderstanding(ctx, cu); err != nil {
		t.Fatal(err)
	}
	got, _, err = s.GetCodebaseUnderstanding(ctx, "acme/widgets")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Summary) != "updated summary" {
		t.Fatalf("expected upsert to update summary, got %s", got.Summary)
	}

	_, ok, err = s.GetCodebaseUnderstanding(ctx, "acme/missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected not found for unknown repo")
	}
}
