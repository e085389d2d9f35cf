package chatengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/executor"
	"github.com/shadowrealm/orchestrator/internal/llmclient"
)

// ToolDefs advertises the tool set every ChatEngine turn offers the model:
// the todo tools (adapted from claudetool/todo.go's todo_read/todo_write)
// plus a 1:1 tool per executor.Executor capability, so the model can act
// on the workspace identically whether it's local or remote.
func ToolDefs() []llmclient.ToolDefinition {
	return []llmclient.ToolDefinition{
		{
			Name:        "todo_read",
			Description: "Reads the current todo list. Use frequently to track progress and understand what's pending.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name: "todo_write",
			Description: "Creates and manages a structured task list for tracking work. Each call completely replaces the" +
				" task list, so include all tasks (past and present). Only one task may be in-progress at a time.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"required": ["tasks"],
				"properties": {
					"tasks": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["id", "content", "status"],
							"properties": {
								"id": {"type": "string"},
								"content": {"type": "string"},
								"status": {"type": "string", "enum": ["pending", "in-progress", "completed", "cancelled"]}
							}
						}
					}
				}
			}`),
		},
		{
			Name:        "read_file",
			Description: "Reads a file's content, optionally a line range.",
			Parameters:  json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"},"start":{"type":"integer"},"end":{"type":"integer"}}}`),
		},
		{
			Name:        "write_file",
			Description: "Writes a file's full content, creating it if it doesn't exist.",
			Parameters:  json.RawMessage(`{"type":"object","required":["path","content"],"properties":{"path":{"type":"string"},"content":{"type":"string"},"instructions":{"type":"string"}}}`),
		},
		{
			Name:        "search_replace",
			Description: "Replaces old_string with new_string in a file; old_string must occur exactly once.",
			Parameters:  json.RawMessage(`{"type":"object","required":["path","old_string","new_string"],"properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"}}}`),
		},
		{
			Name:        "delete_file",
			Description: "Deletes a file.",
			Parameters:  json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
		},
		{
			Name:        "list_directory",
			Description: "Lists entries under a directory, optionally recursively.",
			Parameters:  json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"},"recursive":{"type":"boolean"}}}`),
		},
		{
			Name:        "search_files",
			Description: "Finds files by name matching a query.",
			Parameters:  json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`),
		},
		{
			Name:        "grep_search",
			Description: "Searches file contents for a regex pattern.",
			Parameters:  json.RawMessage(`{"type":"object","required":["pattern"],"properties":{"pattern":{"type":"string"},"include":{"type":"string"},"exclude":{"type":"string"},"case_sensitive":{"type":"boolean"}}}`),
		},
		{
			Name:        "codebase_search",
			Description: "Semantic search over the codebase for relevant snippets.",
			Parameters:  json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"},"dirs":{"type":"array","items":{"type":"string"}}}}`),
		},
		{
			Name:        "run_command",
			Description: "Runs a shell command in the workspace.",
			Parameters:  json.RawMessage(`{"type":"object","required":["command"],"properties":{"command":{"type":"string"},"timeout_seconds":{"type":"integer"},"background":{"type":"boolean"},"network_allowed":{"type":"boolean"}}}`),
		},
	}
}

// Runner dispatches tool calls against one task's Executor and TodoStore,
// implementing llmclient.ToolRunner. Constructed fresh per
// processUserMessage call since both collaborators are task-scoped.
type Runner struct {
	exec   executor.Executor
	todos  TodoStore
	taskID string
}

// NewRunner returns a Runner bound to exec/todos for taskID.
func NewRunner(exec executor.Executor, todos TodoStore, taskID string) *Runner {
	return &Runner{exec: exec, todos: todos, taskID: taskID}
}

// RunTool never returns a non-nil error: tool misuse and executor failures
// are reported as an error tool-result per spec §7's "InvalidRange /
// Ambiguous: return as tool-result; continue the LLM loop" policy, rather
// than aborting the turn.
func (r *Runner) RunTool(ctx context.Context, call llmclient.ToolCall) (string, bool, error) {
	switch call.Name {
	case "todo_read":
		return r.todoRead(ctx)
	case "todo_write":
		return r.todoWrite(ctx, call.Arguments)
	case "read_file":
		return r.readFile(ctx, call.Arguments)
	case "write_file":
		return r.writeFile(ctx, call.Arguments)
	case "search_replace":
		return r.searchReplace(ctx, call.Arguments)
	case "delete_file":
		return r.deleteFile(ctx, call.Arguments)
	case "list_directory":
		return r.listDirectory(ctx, call.Arguments)
	case "search_files":
		return r.searchFiles(ctx, call.Arguments)
	case "grep_search":
		return r.grepSearch(ctx, call.Arguments)
	case "codebase_search":
		return r.codebaseSearch(ctx, call.Arguments)
	case "run_command":
		return r.runCommand(ctx, call.Arguments)
	default:
		return fmt.Sprintf("unknown tool %q", call.Name), true, nil
	}
}

func jsonOut(v any) (string, bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return err.Error(), true, nil
	}
	return string(b), false, nil
}

func errOut(err error) (string, bool, error) {
	return err.Error(), true, nil
}

func unmarshalArgs(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func (r *Runner) todoRead(ctx context.Context) (string, bool, error) {
	todos, err := r.todos.ListBySequence(ctx, r.taskID)
	if err != nil {
		return errOut(err)
	}
	return jsonOut(todos)
}

type todoWriteArgs struct {
	Tasks []struct {
		ID      string `json:"id"`
		Content string `json:"content"`
		Status  string `json:"status"`
	} `json:"tasks"`
}

func (r *Runner) todoWrite(ctx context.Context, rawArgs string) (string, bool, error) {
	var args todoWriteArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	todos := make([]chatmsg.Todo, 0, len(args.Tasks))
	for i, t := range args.Tasks {
		todos = append(todos, chatmsg.Todo{
			ID:       t.ID,
			TaskID:   r.taskID,
			Content:  t.Content,
			Status:   toTodoStatus(t.Status),
			Sequence: i + 1,
		})
	}
	if err := r.todos.ReplaceAll(ctx, r.taskID, todos); err != nil {
		return errOut(err)
	}
	return jsonOut(todos)
}

func toTodoStatus(s string) chatmsg.TodoStatus {
	switch s {
	case "in-progress":
		return chatmsg.TodoInProgress
	case "completed":
		return chatmsg.TodoCompleted
	case "cancelled":
		return chatmsg.TodoCancelled
	default:
		return chatmsg.TodoPending
	}
}

type readFileArgs struct {
	Path  string `json:"path"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

func (r *Runner) readFile(ctx context.Context, rawArgs string) (string, bool, error) {
	var args readFileArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	rng := executor.ReadRange{Entire: args.Start == 0 && args.End == 0, Start: args.Start, End: args.End}
	res, err := r.exec.ReadFile(ctx, args.Path, rng)
	if err != nil {
		return errOut(err)
	}
	return jsonOut(res)
}

type writeFileArgs struct {
	Path         string `json:"path"`
	Content      string `json:"content"`
	Instructions string `json:"instructions"`
}

func (r *Runner) writeFile(ctx context.Context, rawArgs string) (string, bool, error) {
	var args writeFileArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	res, err := r.exec.WriteFile(ctx, args.Path, args.Content, args.Instructions)
	if err != nil {
		return errOut(err)
	}
	return jsonOut(res)
}

type searchReplaceArgs struct {
	Path      string `json:"path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

func (r *Runner) searchReplace(ctx context.Context, rawArgs string) (string, bool, error) {
	var args searchReplaceArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	res, err := r.exec.SearchReplace(ctx, args.Path, args.OldString, args.NewString)
	if err != nil {
		return errOut(err)
	}
	return jsonOut(res)
}

type deleteFileArgs struct {
	Path string `json:"path"`
}

func (r *Runner) deleteFile(ctx context.Context, rawArgs string) (string, bool, error) {
	var args deleteFileArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	res, err := r.exec.DeleteFile(ctx, args.Path)
	if err != nil {
		return errOut(err)
	}
	return jsonOut(res)
}

type listDirectoryArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (r *Runner) listDirectory(ctx context.Context, rawArgs string) (string, bool, error) {
	var args listDirectoryArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	var (
		entries []executor.Entry
		err     error
	)
	if args.Recursive {
		entries, err = r.exec.ListDirectoryRecursive(ctx, args.Path)
	} else {
		entries, err = r.exec.ListDirectory(ctx, args.Path)
	}
	if err != nil {
		return errOut(err)
	}
	return jsonOut(entries)
}

type searchFilesArgs struct {
	Query string `json:"query"`
}

func (r *Runner) searchFiles(ctx context.Context, rawArgs string) (string, bool, error) {
	var args searchFilesArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	entries, err := r.exec.SearchFiles(ctx, args.Query)
	if err != nil {
		return errOut(err)
	}
	return jsonOut(entries)
}

type grepSearchArgs struct {
	Pattern       string `json:"pattern"`
	Include       string `json:"include"`
	Exclude       string `json:"exclude"`
	CaseSensitive bool   `json:"case_sensitive"`
}

func (r *Runner) grepSearch(ctx context.Context, rawArgs string) (string, bool, error) {
	var args grepSearchArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	matches, err := r.exec.GrepSearch(ctx, args.Pattern, executor.GrepOptions{Include: args.Include, Exclude: args.Exclude, CaseSensitive: args.CaseSensitive})
	if err != nil {
		return errOut(err)
	}
	return jsonOut(matches)
}

type codebaseSearchArgs struct {
	Query string   `json:"query"`
	Dirs  []string `json:"dirs"`
}

func (r *Runner) codebaseSearch(ctx context.Context, rawArgs string) (string, bool, error) {
	var args codebaseSearchArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	snippets, err := r.exec.CodebaseSearch(ctx, args.Query, executor.CodebaseSearchOptions{Dirs: args.Dirs})
	if err != nil {
		return errOut(err)
	}
	return jsonOut(snippets)
}

type runCommandArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Background     bool   `json:"background"`
	NetworkAllowed bool   `json:"network_allowed"`
}

func (r *Runner) runCommand(ctx context.Context, rawArgs string) (string, bool, error) {
	var args runCommandArgs
	if err := unmarshalArgs(rawArgs, &args); err != nil {
		return errOut(err)
	}
	opts := executor.CommandOptions{Background: args.Background, NetworkAllowed: args.NetworkAllowed}
	if args.TimeoutSeconds > 0 {
		opts.Timeout = secondsToDuration(args.TimeoutSeconds)
	}
	res, err := r.exec.ExecuteCommand(ctx, args.Command, opts)
	if err != nil {
		return errOut(err)
	}
	return jsonOut(res)
}
