// Package store defines the persistence surface spec §6 leaves external
// ("a transactional store with entity shapes of §3 ... No specific SQL
// dialect required") as a single Go interface, so the rest of the engine
// names one contract instead of each component inventing its own ad hoc
// narrower one. The per-component interfaces in chatengine/checkpoint/
// cleanup are still what those packages actually depend on (keeping them
// leaves with no upward import); Store is satisfied structurally by any
// type implementing all of them, and sqlitestore.Store is the reference
// implementation used by cmd/orchestratord and by tests.
package store

import (
	"context"
	"time"

	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/task"
)

// Store is the full predicate surface named across spec §3/§6: task
// CRUD plus the "max sequence per task", "findFirst with ordering",
// "transactional todo replace", and "updateMany with time predicate"
// operations.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
	Save(ctx context.Context, t *task.Task) error // alias used by cleanup.Store
	DueForCleanup(ctx context.Context, now time.Time) ([]*task.Task, error)

	NextSequence(ctx context.Context, taskID string) (int, error)
	AppendMessage(ctx context.Context, m *chatmsg.ChatMessage) error
	UpdateMessage(ctx context.Context, m *chatmsg.ChatMessage) error
	ListMessages(ctx context.Context, taskID string) ([]*chatmsg.ChatMessage, error)
	GetMessage(ctx context.Context, taskID, messageID string) (*chatmsg.ChatMessage, bool, error)
	DeleteMessagesAfter(ctx context.Context, taskID string, sequence int) error
	PriorAssistantWithCheckpoint(ctx context.Context, taskID, beforeMessageID string) (*chatmsg.ChatMessage, bool, error)
	SetCheckpoint(ctx context.Context, messageID string, cp chatmsg.Checkpoint) error

	ListBySequence(ctx context.Context, taskID string) ([]chatmsg.Todo, error)
	ReplaceAll(ctx context.Context, taskID string, todos []chatmsg.Todo) error

	ActivateSession(ctx context.Context, sess chatmsg.TaskSession) error
	DeactivateSession(ctx context.Context, taskID string) error

	UpsertCodebaseUnderstanding(ctx context.Context, cu chatmsg.CodebaseUnderstanding) error
	GetCodebaseUnderstanding(ctx context.Context, repoFullName string) (*chatmsg.CodebaseUnderstanding, bool, error)
}
