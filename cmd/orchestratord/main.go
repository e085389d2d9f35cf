// Command orchestratord is the daemon entrypoint: it wires config, the
// sqlite-backed store, workspace/executor, the init/background/checkpoint/
// cleanup/PR services, and the chat engine into one running process
// exposing a websocket stream per task, grounded in the teacher's
// cmd/sketch main-wiring style (flag parsing, a run() that returns an
// error, slog configured before anything else starts).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/shadowrealm/orchestrator/internal/background"
	"github.com/shadowrealm/orchestrator/internal/chatengine"
	"github.com/shadowrealm/orchestrator/internal/checkpoint"
	"github.com/shadowrealm/orchestrator/internal/cleanup"
	"github.com/shadowrealm/orchestrator/internal/config"
	"github.com/shadowrealm/orchestrator/internal/eventbus"
	"github.com/shadowrealm/orchestrator/internal/executor"
	"github.com/shadowrealm/orchestrator/internal/fswatcher"
	"github.com/shadowrealm/orchestrator/internal/gitservice"
	"github.com/shadowrealm/orchestrator/internal/githost"
	"github.com/shadowrealm/orchestrator/internal/ids"
	"github.com/shadowrealm/orchestrator/internal/initengine"
	"github.com/shadowrealm/orchestrator/internal/llmclient"
	"github.com/shadowrealm/orchestrator/internal/orcherr"
	"github.com/shadowrealm/orchestrator/internal/prservice"
	"github.com/shadowrealm/orchestrator/internal/store/sqlitestore"
	"github.com/shadowrealm/orchestrator/internal/task"
	"github.com/shadowrealm/orchestrator/internal/transport"
	"github.com/shadowrealm/orchestrator/internal/workspace"
	"github.com/shadowrealm/orchestrator/skribe"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	addr := flag.String("addr", "", "override the listen address from config")
	verbose := flag.Bool("verbose", false, "log to stdout instead of a temp file")
	githubToken := flag.String("github-token", os.Getenv("GITHUB_TOKEN"), "token used to create pull requests; auto-PR is disabled when empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	setupLogging(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, *githubToken)
	if err != nil {
		return err
	}
	defer d.store.Close()

	if d.ws.IsRemote() {
		go d.cleanup.Start(ctx)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/tasks/", d.transport.Handler("/ws/tasks/"))
	mux.HandleFunc("/tasks", d.handleCreateTask)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("orchestratord listening", "addr", cfg.ListenAddr, "mode", cfg.AgentMode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func setupLogging(verbose bool) {
	if verbose {
		slog.SetDefault(slog.New(skribe.AttrsWrap(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))))
		return
	}
	logFile, err := os.CreateTemp("", "orchestratord-log-*")
	if err != nil {
		slog.SetDefault(slog.New(skribe.AttrsWrap(slog.NewTextHandler(os.Stdout, nil))))
		return
	}
	color.New(color.FgCyan).Fprintf(os.Stdout, "structured logs: %s\n", logFile.Name())
	slog.SetDefault(slog.New(skribe.AttrsWrap(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo}))))
}

// daemon bundles every long-lived collaborator the HTTP handlers need.
type daemon struct {
	cfg config.Config

	store       *sqlitestore.Store
	bus         *eventbus.Bus
	ws          workspace.Manager
	background  *background.Manager
	initEngine  *initengine.Engine
	checkpoints *checkpoint.Service
	cleanup     *cleanup.Service
	chat        *chatengine.Engine
	transport   *transport.Server
}

func newDaemon(ctx context.Context, cfg config.Config, githubToken string) (*daemon, error) {
	st, err := sqlitestore.Open(ctx, cfg.StoreDBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New(256)
	bg := background.NewWithStore(st)

	var ws workspace.Manager
	if cfg.AgentMode == config.ModeRemote {
		ws, err = workspace.NewRemote(cfg.SandboxImage, cfg.SandboxNamespace)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("init remote workspace manager: %w", err)
		}
	} else {
		ws = workspace.NewLocal(cfg.WorkspaceRoot)
	}

	if cfg.LLMAPIKey != "" {
		os.Setenv(llmclient.OpenAIAPIKeyEnv, cfg.LLMAPIKey)
	}
	llm := llmclient.New()
	commitGen := chatengine.NewCommitMessageGenerator(llm, cfg.LLMDefaultModel)
	checkpoints := checkpoint.NewMultiTask(st, st, bus)

	var prHook chatengine.PRHook
	if githubToken != "" {
		prHook = prservice.New(llm, githost.New(githubToken), cfg.LLMDefaultModel)
	}

	chat := chatengine.New(chatengine.Config{
		Tasks:           st,
		Messages:        st,
		Todos:           st,
		Workspaces:      ws,
		Bus:             bus,
		LLM:             llm,
		Checkpoints:     checkpoints,
		CommitGen:       commitGen,
		PR:              prHook,
		Author:          gitservice.Person{Name: cfg.AuthorName, Email: cfg.AuthorEmail},
		CoAuthor:        gitservice.Person{Name: cfg.CoAuthorName, Email: cfg.CoAuthorEmail},
		AutoPullRequest: cfg.Features.AutoPullRequest,
	})

	d := &daemon{
		cfg:         cfg,
		store:       st,
		bus:         bus,
		ws:          ws,
		background:  bg,
		initEngine:  initengine.NewWithSessions(ws, bg, bus, st),
		checkpoints: checkpoints,
		cleanup:     cleanup.NewWithChat(st, ws, chat, checkpoints),
		chat:        chat,
	}
	d.transport = &transport.Server{Bus: bus, Chat: chat, History: st, Terminal: d.resolveTerminal}
	return d, nil
}

func (d *daemon) resolveTerminal(taskID string) (transport.TerminalHistory, bool) {
	exec, ok := d.ws.GetExecutor(taskID)
	if !ok {
		return nil, false
	}
	remote, ok := exec.(*executor.Remote)
	if !ok {
		return nil, false
	}
	return remote, true
}

// createTaskRequest is the JSON body POST /tasks accepts.
type createTaskRequest struct {
	RepoFullName string `json:"repoFullName"`
	RepoURL      string `json:"repoUrl"`
	BaseBranch   string `json:"baseBranch"`
	UserID       string `json:"userId"`
}

// handleCreateTask allocates a Task record, then drives PrepareWorkspace,
// InitEngine, and the checkpoint/fswatcher bindings to completion in the
// background, mirroring the sequence spec §4.2/§4.3/§4.7 describe as
// three separate services coordinated by whatever creates a task.
func (d *daemon) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RepoFullName == "" || req.RepoURL == "" {
		http.Error(w, "repoFullName and repoUrl are required", http.StatusBadRequest)
		return
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}

	id := ids.NewTaskID()
	now := time.Now()
	t := &task.Task{
		ID:           id,
		RepoFullName: req.RepoFullName,
		RepoURL:      req.RepoURL,
		BaseBranch:   req.BaseBranch,
		ShadowBranch: task.DefaultShadowBranch(id),
		UserID:       req.UserID,
		Status:       task.StatusInitializing,
		InitStatus:   task.InitInactive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := d.store.SaveTask(r.Context(), t); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	go d.initializeTask(skribe.WithTask(context.WithoutCancel(r.Context()), t.ID), t)

	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": id, "shadowBranch": t.ShadowBranch})
}

func (d *daemon) initializeTask(ctx context.Context, t *task.Task) {
	settings := background.Settings{
		ShadowWikiEnabled: d.cfg.Features.ShadowWikiEnabled,
		IndexingEnabled:   d.cfg.Features.IndexingEnabled,
	}
	if err := d.initEngine.Run(ctx, t, settings); err != nil {
		slog.ErrorContext(ctx, "task initialization failed", "task_id", t.ID, "error", err)
		t.Status = task.StatusFailed
		t.InitializationError = err.Error()
		t.HasInitError = true
		_ = d.store.SaveTask(ctx, t)
		return
	}

	exec, ok := d.ws.GetExecutor(t.ID)
	if !ok {
		slog.ErrorContext(ctx, "no executor after successful init", "task_id", t.ID)
		return
	}
	git := gitservice.New(exec)

	if d.ws.IsRemote() {
		remote, ok := exec.(*executor.Remote)
		if !ok {
			slog.ErrorContext(ctx, "remote workspace manager returned a non-remote executor", "task_id", t.ID)
		} else {
			d.checkpoints.Bind(t.ID, git, exec, &checkpoint.SidecarWatcher{Remote: remote})
		}
	} else {
		watcher := fswatcher.New(t.ID, t.WorkspacePath, d.bus)
		go watcher.Start(ctx)
		d.checkpoints.Bind(t.ID, git, exec, watcher)
	}

	t.Status = task.StatusRunning
	t.LastActiveAt = time.Now()
	if err := d.store.SaveTask(ctx, t); err != nil {
		slog.ErrorContext(ctx, "failed to persist running task", "task_id", t.ID, "error", err)
		return
	}

	entries, err := exec.ListDirectoryRecursive(ctx, ".")
	if err == nil {
		slog.InfoContext(ctx, "workspace ready", "task_id", t.ID, "files", humanize.Comma(int64(len(entries))))
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return orcherr.Wrap(orcherr.ErrInvalidRange, "decode request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
