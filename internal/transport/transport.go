// Package transport provides a thin reference HTTP/websocket binding for
// the client-facing event stream of spec §6. It is intentionally minimal:
// the specification treats the real transport and authentication layer
// as an external collaborator (spec §1), but a small demonstration
// binding is kept here so internal/eventbus is exercised end to end,
// grounded in the teacher's loop/server HTTP handler shape (a single
// *http.ServeMux-backed Server) at a fraction of its scope, using
// github.com/coder/websocket in place of loop/server's embedded webui
// transport.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/shadowrealm/orchestrator/internal/chatengine"
	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/eventbus"
)

// MessageHistory is the read surface transport needs to answer
// get-chat-history requests.
type MessageHistory interface {
	ListMessages(ctx context.Context, taskID string) ([]*chatmsg.ChatMessage, error)
}

// TerminalHistory is satisfied by executor.Remote (TerminalHistory/
// ClearTerminal); a nil TerminalHistory disables those two client events,
// matching local-mode tasks that have no sidecar terminal to query.
type TerminalHistory interface {
	TerminalHistory(ctx context.Context, sinceID int) ([]string, error)
	ClearTerminal(ctx context.Context) error
}

// TerminalHistoryFor resolves which TerminalHistory backs a task, letting
// Server stay mode-agnostic.
type TerminalHistoryFor func(taskID string) (TerminalHistory, bool)

// Server relays a task's EventBus stream over a websocket connection and
// accepts the inbound client events of spec §6.
type Server struct {
	Bus      *eventbus.Bus
	Chat     *chatengine.Engine
	History  MessageHistory
	Terminal TerminalHistoryFor
}

// clientEvent is the envelope for every inbound message a client may send.
type clientEvent struct {
	Type          string            `json:"type"`
	Message       string            `json:"message,omitempty"`
	LLMModel      string            `json:"llmModel,omitempty"`
	Queue         bool              `json:"queue,omitempty"`
	UserAPIKeys   map[string]string `json:"userApiKeys,omitempty"`
	FromPosition  int               `json:"fromPosition,omitempty"`
}

// wireChunk is the JSON projection of an eventbus.StreamChunk sent to
// clients: a lowercase "kind" field plus the chunk's fields under their Go
// names (e.g. "Content"), since eventbus.StreamChunk carries no json tags.
type wireChunk struct {
	Kind string `json:"kind"`
	eventbus.StreamChunk
}

// ServeTask upgrades r to a websocket and relays taskID's stream until the
// client disconnects or ctx (the request context) is canceled.
func (s *Server) ServeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.ErrorContext(r.Context(), "transport: websocket accept failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	if err := s.writeJSON(ctx, conn, map[string]any{"type": "connection-info", "taskId": taskID}); err != nil {
		return
	}
	state := s.Bus.StreamState(taskID)
	if err := s.writeJSON(ctx, conn, map[string]any{"type": "stream-state", "content": state.Content, "isStreaming": state.IsStreaming, "bufferPosition": state.BufferPosition}); err != nil {
		return
	}

	sub := s.Bus.Subscribe(ctx, taskID, state.BufferPosition)
	defer sub.Close()

	go s.pump(ctx, conn, sub)
	s.readLoop(ctx, conn, taskID)
}

func (s *Server) pump(ctx context.Context, conn *websocket.Conn, sub *eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.writeJSON(ctx, conn, wireChunk{Kind: string(chunk.Kind), StreamChunk: chunk}); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, taskID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.WarnContext(ctx, "transport: malformed client event", "task_id", taskID, "error", err)
			continue
		}
		s.handle(ctx, conn, taskID, ev)
	}
}

func (s *Server) handle(ctx context.Context, conn *websocket.Conn, taskID string, ev clientEvent) {
	switch ev.Type {
	case "heartbeat":
		_ = s.writeJSON(ctx, conn, map[string]any{"type": "heartbeat"})

	case "user-message":
		if s.Chat == nil {
			return
		}
		in := chatengine.ProcessInput{
			TaskID:      taskID,
			UserMessage: ev.Message,
			LLMModel:    ev.LLMModel,
			UserAPIKeys: ev.UserAPIKeys,
			Queue:       ev.Queue,
		}
		if err := s.Chat.ProcessUserMessage(ctx, in); err != nil {
			slog.WarnContext(ctx, "transport: process user message failed", "task_id", taskID, "error", err)
		}

	case "stop-stream":
		if s.Chat == nil {
			return
		}
		if err := s.Chat.Stop(ctx, taskID); err != nil {
			slog.WarnContext(ctx, "transport: stop failed", "task_id", taskID, "error", err)
		}

	case "get-chat-history":
		if s.History == nil {
			return
		}
		msgs, err := s.History.ListMessages(ctx, taskID)
		if err != nil {
			slog.WarnContext(ctx, "transport: list messages failed", "task_id", taskID, "error", err)
			return
		}
		_ = s.writeJSON(ctx, conn, map[string]any{"type": "chat-history", "messages": msgs})

	case "get-terminal-history":
		th, ok := s.resolveTerminal(taskID)
		if !ok {
			return
		}
		entries, err := th.TerminalHistory(ctx, ev.FromPosition)
		if err != nil {
			slog.WarnContext(ctx, "transport: terminal history failed", "task_id", taskID, "error", err)
			return
		}
		_ = s.writeJSON(ctx, conn, map[string]any{"type": "terminal-history", "entries": entries})

	case "clear-terminal":
		if th, ok := s.resolveTerminal(taskID); ok {
			if err := th.ClearTerminal(ctx); err != nil {
				slog.WarnContext(ctx, "transport: clear terminal failed", "task_id", taskID, "error", err)
			}
		}

	case "request-history":
		sub := s.Bus.Subscribe(ctx, taskID, ev.FromPosition)
		defer sub.Close()
		for {
			select {
			case chunk, ok := <-sub.C:
				if !ok {
					return
				}
				if err := s.writeJSON(ctx, conn, wireChunk{Kind: string(chunk.Kind), StreamChunk: chunk}); err != nil {
					return
				}
			default:
				return
			}
		}

	default:
		slog.DebugContext(ctx, "transport: unrecognized client event", "task_id", taskID, "type", ev.Type)
	}
}

func (s *Server) resolveTerminal(taskID string) (TerminalHistory, bool) {
	if s.Terminal == nil {
		return nil, false
	}
	return s.Terminal(taskID)
}

func (s *Server) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Handler returns an http.Handler mounting ServeTask under prefix, with
// the task ID taken from the remaining path segment
// (e.g. prefix "/ws/tasks/" serves task "task_123" at "/ws/tasks/task_123").
func (s *Server) Handler(prefix string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		taskID := strings.TrimPrefix(r.URL.Path, prefix)
		if taskID == "" {
			http.Error(w, "missing task id", http.StatusBadRequest)
			return
		}
		s.ServeTask(w, r, taskID)
	})
	return mux
}
