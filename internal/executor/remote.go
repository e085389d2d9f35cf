// Remote executor: forwards every operation to the sidecar HTTP service
// running inside a task's sandbox (§6). Grounded in the teacher's
// skabandclient package conventions (explicit-timeout http.Client, typed
// JSON request/response structs) — generalized from skaband's
// session-control RPCs to the file/command/git sidecar contract of
// spec.md §6.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shadowrealm/orchestrator/internal/orcherr"
)

// DefaultRemoteTimeout bounds a single sidecar HTTP round trip, distinct
// from CommandOptions.Timeout which bounds the command the sidecar runs.
const DefaultRemoteTimeout = 35 * time.Second

// Remote implements Executor by calling the sidecar's HTTP API.
type Remote struct {
	taskID string
	root   string
	base   string
	http   *http.Client
}

// NewRemote returns a Remote executor pointed at baseURL (the sidecar's
// `http://shadow-vm-<sanitized-id>.<namespace>.svc.cluster.local:8080`
// address per spec §6).
func NewRemote(taskID, workspacePath, baseURL string) *Remote {
	return &Remote{
		taskID: taskID,
		root:   workspacePath,
		base:   baseURL,
		http:   &http.Client{Timeout: DefaultRemoteTimeout},
	}
}

func (r *Remote) GetWorkspacePath() string { return r.root }
func (r *Remote) IsRemote() bool           { return true }
func (r *Remote) GetTaskID() string        { return r.taskID }

func (r *Remote) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return orcherr.Wrap(orcherr.ErrTimeout, "sidecar %s %s", method, path)
		}
		return orcherr.Wrap(orcherr.ErrUnhealthy, "sidecar %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return orcherr.ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return orcherr.Wrap(orcherr.ErrUnhealthy, "sidecar %s %s returned %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sidecar %s %s returned %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *Remote) ReadFile(ctx context.Context, path string, rng ReadRange) (ReadResult, error) {
	q := url.Values{"path": {path}}
	if !rng.Entire {
		q.Set("start", strconv.Itoa(rng.Start))
		q.Set("end", strconv.Itoa(rng.End))
	}
	var out ReadResult
	err := r.doJSON(ctx, http.MethodGet, "/files/read?"+q.Encode(), nil, &out)
	return out, err
}

func (r *Remote) WriteFile(ctx context.Context, path, content, instructions string) (WriteResult, error) {
	var out WriteResult
	err := r.doJSON(ctx, http.MethodPost, "/files/write", map[string]string{
		"path": path, "content": content, "instructions": instructions,
	}, &out)
	return out, err
}

func (r *Remote) SearchReplace(ctx context.Context, path, oldStr, newStr string) (SearchReplaceResult, error) {
	var out SearchReplaceResult
	err := r.doJSON(ctx, http.MethodPost, "/files/search-replace", map[string]string{
		"path": path, "old": oldStr, "new": newStr,
	}, &out)
	return out, err
}

func (r *Remote) DeleteFile(ctx context.Context, path string) (DeleteResult, error) {
	var out DeleteResult
	err := r.doJSON(ctx, http.MethodDelete, "/files?path="+url.QueryEscape(path), nil, &out)
	return out, err
}

func (r *Remote) ListDirectory(ctx context.Context, path string) ([]Entry, error) {
	var out []Entry
	err := r.doJSON(ctx, http.MethodGet, "/files/list?path="+url.QueryEscape(path), nil, &out)
	return out, err
}

func (r *Remote) ListDirectoryRecursive(ctx context.Context, path string) ([]Entry, error) {
	var out []Entry
	err := r.doJSON(ctx, http.MethodGet, "/files/list?recursive=1&path="+url.QueryEscape(path), nil, &out)
	return out, err
}

func (r *Remote) SearchFiles(ctx context.Context, query string) ([]Entry, error) {
	var out []Entry
	err := r.doJSON(ctx, http.MethodGet, "/files/search?q="+url.QueryEscape(query), nil, &out)
	return out, err
}

func (r *Remote) GrepSearch(ctx context.Context, pattern string, opts GrepOptions) ([]GrepMatch, error) {
	q := url.Values{"pattern": {pattern}}
	if opts.Include != "" {
		q.Set("include", opts.Include)
	}
	if opts.Exclude != "" {
		q.Set("exclude", opts.Exclude)
	}
	if opts.CaseSensitive {
		q.Set("case_sensitive", "1")
	}
	var out []GrepMatch
	err := r.doJSON(ctx, http.MethodGet, "/files/grep?"+q.Encode(), nil, &out)
	return out, err
}

func (r *Remote) CodebaseSearch(ctx context.Context, query string, opts CodebaseSearchOptions) ([]Snippet, error) {
	var out []Snippet
	err := r.doJSON(ctx, http.MethodPost, "/files/codebase-search", map[string]any{
		"query": query, "dirs": opts.Dirs,
	}, &out)
	return out, err
}

func (r *Remote) ExecuteCommand(ctx context.Context, cmd string, opts CommandOptions) (CommandResult, error) {
	var out CommandResult
	err := r.doJSON(ctx, http.MethodPost, "/exec", map[string]any{
		"command":        cmd,
		"timeout":        opts.Timeout.Seconds(),
		"background":     opts.Background,
		"networkAllowed": opts.NetworkAllowed,
	}, &out)
	return out, err
}

func (r *Remote) GitStatus(ctx context.Context) (GitStatus, error) {
	var out GitStatus
	err := r.doJSON(ctx, http.MethodGet, "/git/status", nil, &out)
	return out, err
}

func (r *Remote) GitDiff(ctx context.Context, against string) (string, error) {
	q := ""
	if against != "" {
		q = "?against=" + url.QueryEscape(against)
	}
	var out struct {
		Diff string `json:"diff"`
	}
	err := r.doJSON(ctx, http.MethodGet, "/git/diff"+q, nil, &out)
	return out.Diff, err
}

func (r *Remote) GitCommit(ctx context.Context, in GitCommitInput) (string, error) {
	var out struct {
		Sha string `json:"sha"`
	}
	err := r.doJSON(ctx, http.MethodPost, "/git/commit", map[string]any{
		"user": map[string]string{"name": in.AuthorName, "email": in.AuthorEmail},
		"coAuthor": map[string]string{"name": in.CoAuthorName, "email": in.CoAuthorEmail},
		"message":  in.Message,
	}, &out)
	return out.Sha, err
}

func (r *Remote) GitPush(ctx context.Context, branch string, setUpstream bool) error {
	return r.doJSON(ctx, http.MethodPost, "/git/push", map[string]any{
		"branchName":  branch,
		"setUpstream": setUpstream,
	}, nil)
}

// Health calls the sidecar's /health endpoint; sidecar.WaitReady polls it
// while the remote WorkspaceManager prepares a workspace.
func (r *Remote) Health(ctx context.Context) error {
	return r.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// PauseWatcher / ResumeWatcher back CheckpointService's remote-mode
// watcher control (§4.7).
func (r *Remote) PauseWatcher(ctx context.Context) error {
	return r.doJSON(ctx, http.MethodPost, "/api/watcher/pause", nil, nil)
}

func (r *Remote) ResumeWatcher(ctx context.Context) error {
	return r.doJSON(ctx, http.MethodPost, "/api/watcher/resume", nil, nil)
}

// TerminalHistory / ClearTerminal back the transport's terminal endpoints.
func (r *Remote) TerminalHistory(ctx context.Context, sinceID int) ([]string, error) {
	var out []string
	err := r.doJSON(ctx, http.MethodGet, fmt.Sprintf("/terminal/history?sinceId=%d", sinceID), nil, &out)
	return out, err
}

func (r *Remote) ClearTerminal(ctx context.Context) error {
	return r.doJSON(ctx, http.MethodPost, "/terminal/clear", nil, nil)
}

var _ Executor = (*Remote)(nil)
