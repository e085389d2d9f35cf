// Package chatmsg holds the per-task conversation and checklist records:
// ChatMessage, Todo, Checkpoint, TaskSession, and CodebaseUnderstanding.
package chatmsg

import "time"

// Role identifies who produced a ChatMessage.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleTool      Role = "TOOL"
)

// PartKind tags the variant held by a Part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool-call"
	PartToolResult PartKind = "tool-result"
	PartError      PartKind = "error"
)

// Part is one element of an assistant message's streaming content. Only the
// fields relevant to Kind are populated; this mirrors the StreamChunk union
// of the event bus rather than inventing a separate wire shape.
type Part struct {
	Kind PartKind `json:"kind"`

	Text string `json:"text,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolArgs   string `json:"toolArgs,omitempty"`
	ToolResult string `json:"toolResult,omitempty"`

	Error string `json:"error,omitempty"`
}

// Usage carries token accounting for a single LLM call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ToolStatus tracks the lifecycle of a persisted TOOL message.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "RUNNING"
	ToolCompleted ToolStatus = "COMPLETED"
)

// ToolMeta is the metadata.tool sub-object for TOOL-role messages.
type ToolMeta struct {
	Name   string     `json:"name"`
	Args   string     `json:"args"`
	Status ToolStatus `json:"status"`
}

// Checkpoint is the immutable snapshot attached to an ASSISTANT message that
// enables CheckpointService time-travel.
type Checkpoint struct {
	CommitSha      string    `json:"commitSha"`
	TodoSnapshot   []Todo    `json:"todoSnapshot"`
	CreatedAt      time.Time `json:"createdAt"`
	WorkspaceState string    `json:"workspaceState"` // always "clean"
}

// Metadata is the structured sidecar data on a ChatMessage.
type Metadata struct {
	Parts        []Part      `json:"parts,omitempty"`
	Usage        *Usage      `json:"usage,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
	IsStreaming  bool         `json:"isStreaming"`
	Tool         *ToolMeta    `json:"tool,omitempty"`
	Checkpoint   *Checkpoint  `json:"checkpoint,omitempty"`
}

// ChatMessage is one ordered record in a task's conversation.
type ChatMessage struct {
	ID       string
	TaskID   string
	Role     Role
	Sequence int

	Content  string
	LLMModel string

	CreatedAt time.Time
	EditedAt  *time.Time

	Metadata Metadata
}

// TextContent concatenates every text part, which is the canonical
// definition of Content for a streaming assistant message.
func (m *ChatMessage) TextContent() string {
	var out string
	for _, p := range m.Metadata.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// TodoStatus is the lifecycle state of a Todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "PENDING"
	TodoInProgress TodoStatus = "IN_PROGRESS"
	TodoCompleted  TodoStatus = "COMPLETED"
	TodoCancelled  TodoStatus = "CANCELLED"
)

// Todo is a single structured checklist item, mutated by the todo_write tool.
type Todo struct {
	ID       string     `json:"id"`
	TaskID   string     `json:"taskId"`
	Content  string     `json:"content"`
	Status   TodoStatus `json:"status"`
	Sequence int        `json:"sequence"`
}

// TaskSession records a live remote sandbox bound to a task. At most one
// may be active per task at a time.
type TaskSession struct {
	TaskID       string
	PodName      string
	PodNamespace string
	IsActive     bool
	CreatedAt    time.Time
	EndedAt      *time.Time
}

// CodebaseUnderstanding is an opaque repo-level summary shared across every
// task that operates on the same repository.
type CodebaseUnderstanding struct {
	ID           string
	RepoFullName string
	Summary      []byte // opaque JSON
	UpdatedAt    time.Time
}
