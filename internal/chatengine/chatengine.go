// Package chatengine implements ChatEngine (spec §4.6), the core loop that
// turns one user message into a driven LLM turn: persisting messages at
// each stream event, publishing to the EventBus, handling stop/queue
// concurrency, and finalizing with a commit attempt. The per-task
// concurrency bookkeeping (activeStream/stopRequested/queuedMessage) is
// grounded on loop.Agent's single-writer-per-conversation shape, widened
// from one global conversation to a map keyed by task ID.
package chatengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/checkpoint"
	"github.com/shadowrealm/orchestrator/internal/eventbus"
	"github.com/shadowrealm/orchestrator/internal/gitservice"
	"github.com/shadowrealm/orchestrator/internal/ids"
	"github.com/shadowrealm/orchestrator/internal/llmclient"
	"github.com/shadowrealm/orchestrator/internal/orcherr"
	"github.com/shadowrealm/orchestrator/internal/task"
	"github.com/shadowrealm/orchestrator/internal/workspace"
)

// TaskStore is the task-record persistence surface ChatEngine needs.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
}

// MessageStore is the chat-message persistence surface ChatEngine needs,
// matching §6's required predicates ("max sequence per task", "findFirst
// with ordering").
type MessageStore interface {
	NextSequence(ctx context.Context, taskID string) (int, error)
	AppendMessage(ctx context.Context, m *chatmsg.ChatMessage) error
	UpdateMessage(ctx context.Context, m *chatmsg.ChatMessage) error
	ListMessages(ctx context.Context, taskID string) ([]*chatmsg.ChatMessage, error)
	GetMessage(ctx context.Context, taskID, messageID string) (*chatmsg.ChatMessage, bool, error)
	DeleteMessagesAfter(ctx context.Context, taskID string, sequence int) error
}

// TodoStore is the checklist persistence surface, shared structurally with
// checkpoint.TodoStore (same two methods) so a single store implementation
// satisfies both without either package importing the other's interface.
type TodoStore interface {
	ListBySequence(ctx context.Context, taskID string) ([]chatmsg.Todo, error)
	ReplaceAll(ctx context.Context, taskID string, todos []chatmsg.Todo) error
}

// PRHook is consulted after a successful commit+push when the user has
// auto-PR enabled. A nil PRHook simply disables that step.
type PRHook interface {
	MaybeCreatePR(ctx context.Context, t *task.Task, diff string, commitMessages []string, wasCompleted bool) error
}

// ProcessInput is processUserMessage's input envelope, spec §4.6.2.
type ProcessInput struct {
	TaskID              string
	UserMessage         string
	LLMModel            string
	UserAPIKeys         map[string]string
	DisableTools        bool // tools are enabled unless this is set, matching the spec's enableTools=true default
	SkipUserMessageSave bool
	WorkspacePath       string
	Queue               bool
}

// EditInput is editUserMessage's input envelope, spec §4.6.4.
type EditInput struct {
	TaskID      string
	MessageID   string
	NewContent  string
	NewModel    string
	UserAPIKeys map[string]string
}

type taskState struct {
	mu            sync.Mutex
	cancel        context.CancelFunc
	stopRequested bool
	queued        *ProcessInput
	done          chan struct{}
}

// Engine is ChatEngine: one instance serves every task, keyed internally
// by task ID.
type Engine struct {
	mu     sync.Mutex
	states map[string]*taskState

	tasks    TaskStore
	messages MessageStore
	todos    TodoStore

	ws          workspace.Manager
	bus         *eventbus.Bus
	llm         llmclient.Client
	checkpoints *checkpoint.Service
	commitGen   gitservice.CommitMessageGenerator
	pr          PRHook

	author          gitservice.Person
	coAuthor        gitservice.Person
	autoPullRequest bool
	systemPrompt    string

	now func() time.Time
}

// Config bundles Engine's construction-time collaborators and settings.
type Config struct {
	Tasks       TaskStore
	Messages    MessageStore
	Todos       TodoStore
	Workspaces  workspace.Manager
	Bus         *eventbus.Bus
	LLM         llmclient.Client
	Checkpoints *checkpoint.Service
	CommitGen   gitservice.CommitMessageGenerator
	PR          PRHook

	Author          gitservice.Person
	CoAuthor        gitservice.Person
	AutoPullRequest bool
	SystemPrompt    string
}

const defaultSystemPrompt = `You are an autonomous coding agent working inside a git repository checked out on a shadow branch. Use the available tools to read and modify the workspace, run commands to validate your changes, and keep the todo list current on anything beyond a trivial single-step task.`

// New returns an Engine wired to cfg's collaborators.
func New(cfg Config) *Engine {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &Engine{
		states:          make(map[string]*taskState),
		tasks:           cfg.Tasks,
		messages:        cfg.Messages,
		todos:           cfg.Todos,
		ws:              cfg.Workspaces,
		bus:             cfg.Bus,
		llm:             cfg.LLM,
		checkpoints:     cfg.Checkpoints,
		commitGen:       cfg.CommitGen,
		pr:              cfg.PR,
		author:          cfg.Author,
		coAuthor:        cfg.CoAuthor,
		autoPullRequest: cfg.AutoPullRequest,
		systemPrompt:    prompt,
		now:             time.Now,
	}
}

func (e *Engine) state(taskID string) *taskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[taskID]
	if !ok {
		st = &taskState{}
		e.states[taskID] = st
	}
	return st
}

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ProcessUserMessage implements the 9-step algorithm of spec §4.6.2.
func (e *Engine) ProcessUserMessage(ctx context.Context, in ProcessInput) error {
	t, err := e.tasks.GetTask(ctx, in.TaskID)
	if err != nil {
		return err
	}

	// Step 1: follow-up reconciliation.
	switch t.Status {
	case task.StatusArchived:
		return orcherr.Wrap(orcherr.ErrArchived, "task %s", in.TaskID)
	case task.StatusCompleted, task.StatusStopped:
		if t.ScheduledCleanupAt != nil {
			t.CancelScheduledCleanup()
			t.Status = task.StatusRunning
			if err := e.tasks.SaveTask(ctx, t); err != nil {
				return err
			}
		} else {
			t.Status = task.StatusInitializing
			t.InitStatus = task.InitInactive
			return e.tasks.SaveTask(ctx, t)
		}
	}

	// Step 2: concurrency gating.
	st := e.state(in.TaskID)
	st.mu.Lock()
	if st.cancel != nil {
		if in.Queue {
			qc := in
			st.queued = &qc
			st.mu.Unlock()
			return nil
		}
		st.stopRequested = true
		cancel := st.cancel
		done := st.done
		st.mu.Unlock()
		cancel()
		if done != nil {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
		}
		time.Sleep(100 * time.Millisecond)
		st.mu.Lock()
		st.queued = nil
	}
	st.mu.Unlock()

	// Step 3: persist user message.
	var userMsgID string
	if !in.SkipUserMessageSave {
		seq, err := e.messages.NextSequence(ctx, in.TaskID)
		if err != nil {
			return err
		}
		msg := &chatmsg.ChatMessage{
			ID:        ids.NewMessageID(),
			TaskID:    in.TaskID,
			Role:      chatmsg.RoleUser,
			Sequence:  seq,
			Content:   in.UserMessage,
			LLMModel:  in.LLMModel,
			CreatedAt: e.now(),
		}
		if err := e.messages.AppendMessage(ctx, msg); err != nil {
			return err
		}
		userMsgID = msg.ID
		t.BumpActivity(e.now())
		if err := e.tasks.SaveTask(ctx, t); err != nil {
			return err
		}
	}

	// Step 4: build context.
	history, err := e.messages.ListMessages(ctx, in.TaskID)
	if err != nil {
		return err
	}
	var ctxMsgs []llmclient.Message
	for _, m := range history {
		if m.ID == userMsgID {
			continue
		}
		if m.Role != chatmsg.RoleUser && m.Role != chatmsg.RoleAssistant {
			continue
		}
		ctxMsgs = append(ctxMsgs, llmclient.Message{Role: roleToLLM(m.Role), Content: m.Content})
	}
	ctxMsgs = append(ctxMsgs, llmclient.Message{Role: llmclient.RoleUser, Content: in.UserMessage})

	// Step 5: begin stream.
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	st.mu.Lock()
	st.cancel = cancel
	st.stopRequested = false
	st.done = done
	st.mu.Unlock()
	e.bus.StartStream(in.TaskID)

	exec, haveExec := e.ws.GetExecutor(in.TaskID)
	var runner llmclient.ToolRunner
	if haveExec {
		runner = NewRunner(exec, e.todos, in.TaskID)
	}

	stream, err := e.llm.CreateMessageStream(streamCtx, llmclient.StreamRequest{
		SystemPrompt:  e.systemPrompt,
		Messages:      ctxMsgs,
		Model:         in.LLMModel,
		UserAPIKeys:   in.UserAPIKeys,
		EnableTools:   !in.DisableTools && runner != nil,
		Tools:         ToolDefs(),
		Runner:        runner,
		TaskID:        in.TaskID,
		WorkspacePath: in.WorkspacePath,
	})
	if err != nil {
		cancel()
		t.Status = task.StatusFailed
		t.InitializationError = err.Error()
		_ = e.tasks.SaveTask(ctx, t)
		e.finishTurn(st, done)
		e.bus.EndStream(in.TaskID)
		return err
	}

	// Step 6: drive the LLM.
	var assistantMsg *chatmsg.ChatMessage
	toolMsgByCallID := map[string]*chatmsg.ChatMessage{}
	toolNameByCallID := map[string]string{}
	var usage chatmsg.Usage
	finishReason := ""
	stopped := false

	for chunk := range stream {
		st.mu.Lock()
		stopReq := st.stopRequested
		st.mu.Unlock()
		if stopReq {
			stopped = true
			break
		}

		e.bus.Publish(in.TaskID, toBusChunk(chunk))

		switch chunk.Kind {
		case llmclient.ChunkContent:
			assistantMsg = e.mutateAssistant(ctx, assistantMsg, in.TaskID, func(m *chatmsg.ChatMessage) {
				appendText(m, chunk.Text)
			})
		case llmclient.ChunkToolCall:
			assistantMsg = e.mutateAssistant(ctx, assistantMsg, in.TaskID, func(m *chatmsg.ChatMessage) {
				m.Metadata.Parts = append(m.Metadata.Parts, chatmsg.Part{
					Kind: chatmsg.PartToolCall, ToolCallID: chunk.ToolCall.ID, ToolName: chunk.ToolCall.Name, ToolArgs: chunk.ToolCall.Arguments,
				})
			})
			toolSeq, err := e.messages.NextSequence(ctx, in.TaskID)
			if err != nil {
				slog.ErrorContext(ctx, "chatengine: allocate tool sequence", "error", err)
				continue
			}
			toolMsg := &chatmsg.ChatMessage{
				ID: ids.NewMessageID(), TaskID: in.TaskID, Role: chatmsg.RoleTool, Sequence: toolSeq,
				Content: "Running...", CreatedAt: e.now(),
				Metadata: chatmsg.Metadata{IsStreaming: true, Tool: &chatmsg.ToolMeta{Name: chunk.ToolCall.Name, Args: chunk.ToolCall.Arguments, Status: chatmsg.ToolRunning}},
			}
			if err := e.messages.AppendMessage(ctx, toolMsg); err != nil {
				slog.ErrorContext(ctx, "chatengine: persist tool message", "error", err)
			}
			toolMsgByCallID[chunk.ToolCall.ID] = toolMsg
			toolNameByCallID[chunk.ToolCall.ID] = chunk.ToolCall.Name
		case llmclient.ChunkToolResult:
			name := toolNameByCallID[chunk.ToolCall.ID]
			assistantMsg = e.mutateAssistant(ctx, assistantMsg, in.TaskID, func(m *chatmsg.ChatMessage) {
				m.Metadata.Parts = append(m.Metadata.Parts, chatmsg.Part{
					Kind: chatmsg.PartToolResult, ToolCallID: chunk.ToolCall.ID, ToolName: name, ToolResult: chunk.ToolOutput,
				})
			})
			if toolMsg, ok := toolMsgByCallID[chunk.ToolCall.ID]; ok {
				toolMsg.Content = chunk.ToolOutput
				toolMsg.Metadata.IsStreaming = false
				toolMsg.Metadata.Tool.Status = chatmsg.ToolCompleted
				if err := e.messages.UpdateMessage(ctx, toolMsg); err != nil {
					slog.ErrorContext(ctx, "chatengine: update tool message", "error", err)
				}
			}
		case llmclient.ChunkUsage:
			usage = chatmsg.Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens, TotalTokens: chunk.Usage.TotalTokens}
		case llmclient.ChunkComplete:
			finishReason = chunk.FinishReason
		case llmclient.ChunkError:
			assistantMsg = e.mutateAssistant(ctx, assistantMsg, in.TaskID, func(m *chatmsg.ChatMessage) {
				m.Metadata.Parts = append(m.Metadata.Parts, chatmsg.Part{Kind: chatmsg.PartError, Error: chunk.Err.Error()})
				m.Metadata.IsStreaming = false
				m.Metadata.FinishReason = "error"
			})
			t.Status = task.StatusFailed
			_ = e.tasks.SaveTask(ctx, t)
			cancel()
			e.finishTurn(st, done)
			e.bus.EndStream(in.TaskID)
			return chunk.Err
		}
	}
	cancel()

	// Step 7: finalize.
	if stopped {
		t.Status = task.StatusStopped
		t.ScheduleCleanup(e.now(), 10*time.Minute)
		if err := e.tasks.SaveTask(ctx, t); err != nil {
			slog.ErrorContext(ctx, "chatengine: save stopped task", "error", err)
		}
	} else {
		if assistantMsg != nil {
			assistantMsg.Metadata.Usage = &usage
			assistantMsg.Metadata.FinishReason = finishReason
			assistantMsg.Metadata.IsStreaming = false
			if err := e.messages.UpdateMessage(ctx, assistantMsg); err != nil {
				slog.ErrorContext(ctx, "chatengine: finalize assistant message", "error", err)
			}
		}
		t.Status = task.StatusCompleted
		t.ScheduleCleanup(e.now(), 10*time.Minute)
		t.BumpActivity(e.now())
		if err := e.tasks.SaveTask(ctx, t); err != nil {
			slog.ErrorContext(ctx, "chatengine: save completed task", "error", err)
		}

		if e.checkpoints != nil && assistantMsg != nil {
			if err := e.checkpoints.CreateCheckpoint(ctx, in.TaskID, assistantMsg.ID); err != nil {
				slog.WarnContext(ctx, "chatengine: create checkpoint", "error", err)
			}
		}

		e.commitAndMaybePR(ctx, t)
	}

	// Step 8: process queued message, if any; step 9: cleanup.
	st.mu.Lock()
	st.cancel = nil
	st.stopRequested = false
	queued := st.queued
	st.queued = nil
	st.mu.Unlock()
	close(done)

	if queued != nil {
		return e.ProcessUserMessage(ctx, *queued)
	}
	e.bus.EndStream(in.TaskID)
	return nil
}

// finishTurn is the shared early-exit cleanup for the error paths above,
// which skip steps 7-8 but still must release step 2's concurrency state.
func (e *Engine) finishTurn(st *taskState, done chan struct{}) {
	st.mu.Lock()
	st.cancel = nil
	st.stopRequested = false
	st.queued = nil
	st.mu.Unlock()
	close(done)
}

func (e *Engine) commitAndMaybePR(ctx context.Context, t *task.Task) {
	taskExec, ok := e.ws.GetExecutor(t.ID)
	if !ok {
		return
	}
	git := gitservice.New(taskExec)
	sha, pushErr, commitErr := git.CommitChangesIfAny(ctx, t.ID, t.ShadowBranch, e.author, e.coAuthor, e.commitGen)
	if commitErr != nil {
		slog.ErrorContext(ctx, "chatengine: commitChangesIfAny", "task_id", t.ID, "error", commitErr)
		return
	}
	if pushErr != nil {
		slog.WarnContext(ctx, "chatengine: push shadow branch failed", "task_id", t.ID, "error", pushErr)
	}
	if sha == "" || !e.autoPullRequest || e.pr == nil {
		return
	}
	diff, err := git.GetDiffAgainstBase(ctx, t.BaseBranch)
	if err != nil {
		slog.WarnContext(ctx, "chatengine: diff against base for PR", "task_id", t.ID, "error", err)
		return
	}
	commits, err := git.GetRecentCommitMessages(ctx, t.BaseBranch, 5)
	if err != nil {
		slog.WarnContext(ctx, "chatengine: recent commits for PR", "task_id", t.ID, "error", err)
	}
	if err := e.pr.MaybeCreatePR(ctx, t, diff, commits, t.Status == task.StatusCompleted); err != nil {
		slog.WarnContext(ctx, "chatengine: pr creation", "task_id", t.ID, "error", err)
	}
}

// Stop implements spec §4.6.3. A no-op if no stream is active for taskID.
func (e *Engine) Stop(ctx context.Context, taskID string) error {
	st := e.state(taskID)
	st.mu.Lock()
	active := st.cancel != nil
	if active {
		st.stopRequested = true
		st.cancel()
	}
	st.queued = nil
	st.mu.Unlock()
	if !active {
		return nil
	}
	t, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.Status = task.StatusStopped
	return e.tasks.SaveTask(ctx, t)
}

// EditUserMessage implements spec §4.6.4.
func (e *Engine) EditUserMessage(ctx context.Context, in EditInput) error {
	if err := e.Stop(ctx, in.TaskID); err != nil {
		slog.WarnContext(ctx, "chatengine: stop before edit", "task_id", in.TaskID, "error", err)
	}

	msg, ok, err := e.messages.GetMessage(ctx, in.TaskID, in.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		return orcherr.Wrap(orcherr.ErrNotFound, "message %s", in.MessageID)
	}

	msg.Content = in.NewContent
	if in.NewModel != "" {
		msg.LLMModel = in.NewModel
	}
	now := e.now()
	msg.EditedAt = &now
	if err := e.messages.UpdateMessage(ctx, msg); err != nil {
		return err
	}
	if err := e.messages.DeleteMessagesAfter(ctx, in.TaskID, msg.Sequence); err != nil {
		return err
	}

	t, err := e.tasks.GetTask(ctx, in.TaskID)
	if err != nil {
		return err
	}
	if e.checkpoints != nil {
		if err := e.checkpoints.RestoreCheckpoint(ctx, in.TaskID, in.MessageID, t.BaseBranch, t.BaseCommitSha); err != nil {
			slog.WarnContext(ctx, "chatengine: restore checkpoint during edit", "task_id", in.TaskID, "error", err)
		}
	}

	return e.ProcessUserMessage(ctx, ProcessInput{
		TaskID:              in.TaskID,
		UserMessage:         msg.Content,
		LLMModel:            msg.LLMModel,
		UserAPIKeys:         in.UserAPIKeys,
		SkipUserMessageSave: true,
		Queue:               false,
	})
}

// CleanupTask implements spec §4.6.5: drop in-memory state only.
func (e *Engine) CleanupTask(taskID string) {
	e.mu.Lock()
	delete(e.states, taskID)
	e.mu.Unlock()
	e.bus.Forget(taskID)
}

func (e *Engine) mutateAssistant(ctx context.Context, msg *chatmsg.ChatMessage, taskID string, mutate func(*chatmsg.ChatMessage)) *chatmsg.ChatMessage {
	isNew := msg == nil
	if isNew {
		seq, err := e.messages.NextSequence(ctx, taskID)
		if err != nil {
			slog.ErrorContext(ctx, "chatengine: allocate assistant sequence", "error", err)
			seq = 0
		}
		msg = &chatmsg.ChatMessage{
			ID: ids.NewMessageID(), TaskID: taskID, Role: chatmsg.RoleAssistant, Sequence: seq,
			CreatedAt: e.now(), Metadata: chatmsg.Metadata{IsStreaming: true},
		}
	}
	mutate(msg)
	msg.Content = msg.TextContent()
	var err error
	if isNew {
		err = e.messages.AppendMessage(ctx, msg)
	} else {
		err = e.messages.UpdateMessage(ctx, msg)
	}
	if err != nil {
		slog.ErrorContext(ctx, "chatengine: persist assistant message", "error", err)
	}
	return msg
}

func appendText(m *chatmsg.ChatMessage, text string) {
	parts := m.Metadata.Parts
	if n := len(parts); n > 0 && parts[n-1].Kind == chatmsg.PartText {
		parts[n-1].Text += text
	} else {
		parts = append(parts, chatmsg.Part{Kind: chatmsg.PartText, Text: text})
	}
	m.Metadata.Parts = parts
}

func roleToLLM(r chatmsg.Role) llmclient.Role {
	if r == chatmsg.RoleAssistant {
		return llmclient.RoleAssistant
	}
	return llmclient.RoleUser
}

func toBusChunk(c llmclient.Chunk) eventbus.StreamChunk {
	switch c.Kind {
	case llmclient.ChunkContent:
		return eventbus.StreamChunk{Kind: eventbus.ChunkContent, Content: c.Text}
	case llmclient.ChunkToolCall:
		return eventbus.StreamChunk{Kind: eventbus.ChunkToolCall, ToolCallID: c.ToolCall.ID, ToolName: c.ToolCall.Name, ToolArgs: c.ToolCall.Arguments}
	case llmclient.ChunkToolResult:
		return eventbus.StreamChunk{Kind: eventbus.ChunkToolResult, ToolCallID: c.ToolCall.ID, ToolResult: c.ToolOutput}
	case llmclient.ChunkUsage:
		return eventbus.StreamChunk{Kind: eventbus.ChunkUsage, PromptTokens: c.Usage.PromptTokens, CompletionTokens: c.Usage.CompletionTokens, TotalTokens: c.Usage.TotalTokens}
	case llmclient.ChunkComplete:
		return eventbus.StreamChunk{Kind: eventbus.ChunkComplete, FinishReason: c.FinishReason}
	case llmclient.ChunkError:
		msg := ""
		if c.Err != nil {
			msg = c.Err.Error()
		}
		return eventbus.StreamChunk{Kind: eventbus.ChunkError, Error: msg, FinishReason: "error"}
	default:
		return eventbus.StreamChunk{Kind: eventbus.ChunkKind(fmt.Sprintf("unknown:%s", c.Kind))}
	}
}
