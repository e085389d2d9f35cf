// Package sqlitestore is the reference implementation of store.Store atop
// modernc.org/sqlite, a pure-Go driver also used by nevindra-oasis and
// vanducng-goclaw in the retrieval pack. It exists so cmd/orchestratord
// and integration tests have a real, swappable persistence backend
// without committing the core engine to any particular SQL dialect, per
// spec §6 ("No specific SQL dialect required") — grounded directly on
// nevindra-oasis's store/sqlite.Store: single-connection pool
// (SetMaxOpenConns(1)) to serialize writers and sidestep SQLITE_BUSY,
// same Init-creates-tables-if-not-exists shape.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shadowrealm/orchestrator/internal/chatmsg"
	"github.com/shadowrealm/orchestrator/internal/orcherr"
	"github.com/shadowrealm/orchestrator/internal/store"
	"github.com/shadowrealm/orchestrator/internal/task"
)

// Store implements store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates (or reuses) the SQLite file at path and initializes schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			repo_full_name TEXT NOT NULL,
			repo_url TEXT NOT NULL,
			base_branch TEXT NOT NULL,
			shadow_branch TEXT NOT NULL,
			base_commit_sha TEXT NOT NULL,
			workspace_path TEXT NOT NULL,
			status TEXT NOT NULL,
			init_status TEXT NOT NULL,
			initialization_error TEXT NOT NULL DEFAULT '',
			has_init_error INTEGER NOT NULL DEFAULT 0,
			scheduled_cleanup_at INTEGER,
			workspace_cleaned_up INTEGER NOT NULL DEFAULT 0,
			user_id TEXT NOT NULL DEFAULT '',
			codebase_understanding_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			role TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			content TEXT NOT NULL,
			llm_model TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			edited_at INTEGER,
			metadata TEXT NOT NULL DEFAULT '{}',
			UNIQUE(task_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_task_seq ON chat_messages(task_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS todos (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			sequence INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS todos_task_seq ON todos(task_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS task_sessions (
			task_id TEXT PRIMARY KEY,
			pod_name TEXT NOT NULL,
			pod_namespace TEXT NOT NULL,
			is_active INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			ended_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS codebase_understandings (
			id TEXT PRIMARY KEY,
			repo_full_name TEXT NOT NULL UNIQUE,
			summary BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitestore: init schema: %w", err)
		}
	}
	return nil
}

// --- tasks ---

func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, repo_full_name, repo_url, base_branch, shadow_branch,
		base_commit_sha, workspace_path, status, init_status, initialization_error, has_init_error,
		scheduled_cleanup_at, workspace_cleaned_up, user_id, codebase_understanding_id, created_at, last_active_at
		FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.Wrap(orcherr.ErrNotFound, "task %s", taskID)
	}
	return t, err
}

func scanTask(row *sql.Row) (*task.Task, error) {
	var t task.Task
	var hasInitErr, workspaceCleaned int
	var scheduledAt sql.NullInt64
	var createdAt, lastActiveAt int64
	if err := row.Scan(&t.ID, &t.RepoFullName, &t.RepoURL, &t.BaseBranch, &t.ShadowBranch,
		&t.BaseCommitSha, &t.WorkspacePath, &t.Status, &t.InitStatus, &t.InitializationError, &hasInitErr,
		&scheduledAt, &workspaceCleaned, &t.UserID, &t.CodebaseUnderstandingID, &createdAt, &lastActiveAt); err != nil {
		return nil, err
	}
	t.HasInitError = hasInitErr != 0
	t.WorkspaceCleanedUp = workspaceCleaned != 0
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.LastActiveAt = time.Unix(lastActiveAt, 0).UTC()
	if scheduledAt.Valid {
		at := time.Unix(scheduledAt.Int64, 0).UTC()
		t.ScheduledCleanupAt = &at
	}
	return &t, nil
}

func (s *Store) saveTask(ctx context.Context, t *task.Task) error {
	var scheduledAt any
	if t.ScheduledCleanupAt != nil {
		scheduledAt = t.ScheduledCleanupAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (id, repo_full_name, repo_url, base_branch, shadow_branch,
		base_commit_sha, workspace_path, status, init_status, initialization_error, has_init_error,
		scheduled_cleanup_at, workspace_cleaned_up, user_id, codebase_understanding_id, created_at, last_active_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET repo_full_name=excluded.repo_full_name, repo_url=excluded.repo_url,
			base_branch=excluded.base_branch, shadow_branch=excluded.shadow_branch,
			base_commit_sha=excluded.base_commit_sha, workspace_path=excluded.workspace_path,
			status=excluded.status, init_status=excluded.init_status,
			initialization_error=excluded.initialization_error, has_init_error=excluded.has_init_error,
			scheduled_cleanup_at=excluded.scheduled_cleanup_at, workspace_cleaned_up=excluded.workspace_cleaned_up,
			user_id=excluded.user_id, codebase_understanding_id=excluded.codebase_understanding_id,
			last_active_at=excluded.last_active_at`,
		t.ID, t.RepoFullName, t.RepoURL, t.BaseBranch, t.ShadowBranch, t.BaseCommitSha, t.WorkspacePath,
		string(t.Status), string(t.InitStatus), t.InitializationError, boolInt(t.HasInitError),
		scheduledAt, boolInt(t.WorkspaceCleanedUp), t.UserID, t.CodebaseUnderstandingID,
		t.CreatedAt.Unix(), t.LastActiveAt.Unix())
	return err
}

// SaveTask satisfies chatengine.TaskStore.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error { return s.saveTask(ctx, t) }

// Save satisfies cleanup.Store (same operation, different interface name).
func (s *Store) Save(ctx context.Context, t *task.Task) error { return s.saveTask(ctx, t) }

// DueForCleanup implements the guarded-selection half of spec §5's
// cleanup race fix: it atomically claims every overdue task by clearing
// scheduled_cleanup_at inside the same statement that selects it, so a
// concurrent ProcessUserMessage that has already cleared the deadline (or
// is about to) cannot be clobbered by this sweep, and a second concurrent
// sweep cannot double-claim the same row.
func (s *Store) DueForCleanup(ctx context.Context, now time.Time) ([]*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `UPDATE tasks SET scheduled_cleanup_at = NULL
		WHERE scheduled_cleanup_at IS NOT NULL AND scheduled_cleanup_at <= ?
		RETURNING id, repo_full_name, repo_url, base_branch, shadow_branch,
			base_commit_sha, workspace_path, status, init_status, initialization_error, has_init_error,
			scheduled_cleanup_at, workspace_cleaned_up, user_id, codebase_understanding_id, created_at, last_active_at`,
		now.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: claim due tasks: %w", err)
	}

	var out []*task.Task
	for rows.Next() {
		var t task.Task
		var hasInitErr, workspaceCleaned int
		var scheduledAt sql.NullInt64
		var createdAt, lastActiveAt int64
		if err := rows.Scan(&t.ID, &t.RepoFullName, &t.RepoURL, &t.BaseBranch, &t.ShadowBranch,
			&t.BaseCommitSha, &t.WorkspacePath, &t.Status, &t.InitStatus, &t.InitializationError, &hasInitErr,
			&scheduledAt, &workspaceCleaned, &t.UserID, &t.CodebaseUnderstandingID, &createdAt, &lastActiveAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.HasInitError = hasInitErr != 0
		t.WorkspaceCleanedUp = workspaceCleaned != 0
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.LastActiveAt = time.Unix(lastActiveAt, 0).UTC()
		// The row's deadline was just cleared by the claim; restore it on
		// the in-memory copy so cleanup.Service still sees "this task had
		// a deadline", matching its pre-claim read.
		at := now
		t.ScheduledCleanupAt = &at
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// --- chat messages ---

func (s *Store) NextSequence(ctx context.Context, taskID string) (int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM chat_messages WHERE task_id = ?`, taskID).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (s *Store) AppendMessage(ctx context.Context, m *chatmsg.ChatMessage) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	var editedAt any
	if m.EditedAt != nil {
		editedAt = m.EditedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO chat_messages
		(id, task_id, role, sequence, content, llm_model, created_at, edited_at, metadata)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TaskID, string(m.Role), m.Sequence, m.Content, m.LLMModel, m.CreatedAt.Unix(), editedAt, string(meta))
	return err
}

func (s *Store) UpdateMessage(ctx context.Context, m *chatmsg.ChatMessage) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	var editedAt any
	if m.EditedAt != nil {
		editedAt = m.EditedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `UPDATE chat_messages SET content=?, llm_model=?, edited_at=?, metadata=?
		WHERE id = ?`, m.Content, m.LLMModel, editedAt, string(meta), m.ID)
	return err
}

func (s *Store) ListMessages(ctx context.Context, taskID string) ([]*chatmsg.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, role, sequence, content, llm_model,
		created_at, edited_at, metadata FROM chat_messages WHERE task_id = ? ORDER BY sequence ASC, created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chatmsg.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*chatmsg.ChatMessage, error) {
	var m chatmsg.ChatMessage
	var createdAt int64
	var editedAt sql.NullInt64
	var metaRaw string
	if err := row.Scan(&m.ID, &m.TaskID, &m.Role, &m.Sequence, &m.Content, &m.LLMModel, &createdAt, &editedAt, &metaRaw); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	if editedAt.Valid {
		at := time.Unix(editedAt.Int64, 0).UTC()
		m.EditedAt = &at
	}
	if err := json.Unmarshal([]byte(metaRaw), &m.Metadata); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal metadata for %s: %w", m.ID, err)
	}
	return &m, nil
}

func (s *Store) GetMessage(ctx context.Context, taskID, messageID string) (*chatmsg.ChatMessage, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, task_id, role, sequence, content, llm_model,
		created_at, edited_at, metadata FROM chat_messages WHERE task_id = ? AND id = ?`, taskID, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *Store) DeleteMessagesAfter(ctx context.Context, taskID string, sequence int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE task_id = ? AND sequence > ?`, taskID, sequence)
	return err
}

// PriorAssistantWithCheckpoint finds the most recent ASSISTANT message
// strictly before beforeMessageID (by sequence) that carries a checkpoint,
// per spec §4.7's restore target. The metadata predicate (does this row
// have a non-null checkpoint) isn't expressible as flat SQL over the JSON
// blob column without a dialect-specific JSON function, so rows are
// walked newest-first in Go and the first match returned — bounded by a
// single task's message count, which spec §3 never expects to be huge.
func (s *Store) PriorAssistantWithCheckpoint(ctx context.Context, taskID, beforeMessageID string) (*chatmsg.ChatMessage, bool, error) {
	var beforeSeq int
	if err := s.db.QueryRowContext(ctx, `SELECT sequence FROM chat_messages WHERE task_id = ? AND id = ?`, taskID, beforeMessageID).Scan(&beforeSeq); err != nil {
		if err == sql.ErrNoRows {
			beforeSeq = int(^uint(0) >> 1) // no anchor: consider the whole history
		} else {
			return nil, false, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, role, sequence, content, llm_model,
		created_at, edited_at, metadata FROM chat_messages
		WHERE task_id = ? AND role = ? AND sequence < ? ORDER BY sequence DESC`, taskID, string(chatmsg.RoleAssistant), beforeSeq)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		if m.Metadata.Checkpoint != nil {
			return m, true, nil
		}
	}
	return nil, false, rows.Err()
}

func (s *Store) SetCheckpoint(ctx context.Context, messageID string, cp chatmsg.Checkpoint) error {
	var metaRaw string
	if err := s.db.QueryRowContext(ctx, `SELECT metadata FROM chat_messages WHERE id = ?`, messageID).Scan(&metaRaw); err != nil {
		return err
	}
	var meta chatmsg.Metadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return err
	}
	meta.Checkpoint = &cp
	updated, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE chat_messages SET metadata = ? WHERE id = ?`, string(updated), messageID)
	return err
}

// --- todos ---

func (s *Store) ListBySequence(ctx context.Context, taskID string) ([]chatmsg.Todo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, content, status, sequence FROM todos
		WHERE task_id = ? ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatmsg.Todo
	for rows.Next() {
		var t chatmsg.Todo
		if err := rows.Scan(&t.ID, &t.TaskID, &t.Content, &t.Status, &t.Sequence); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceAll(ctx context.Context, taskID string, todos []chatmsg.Todo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	sorted := append([]chatmsg.Todo(nil), todos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	for _, t := range sorted {
		if _, err := tx.ExecContext(ctx, `INSERT INTO todos (id, task_id, content, status, sequence) VALUES (?,?,?,?,?)`,
			t.ID, taskID, t.Content, string(t.Status), t.Sequence); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- task sessions ---

func (s *Store) ActivateSession(ctx context.Context, sess chatmsg.TaskSession) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_sessions (task_id, pod_name, pod_namespace, is_active, created_at, ended_at)
		VALUES (?,?,?,1,?,NULL)
		ON CONFLICT(task_id) DO UPDATE SET pod_name=excluded.pod_name, pod_namespace=excluded.pod_namespace,
			is_active=1, created_at=excluded.created_at, ended_at=NULL`,
		sess.TaskID, sess.PodName, sess.PodNamespace, sess.CreatedAt.Unix())
	return err
}

func (s *Store) DeactivateSession(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_sessions SET is_active = 0, ended_at = ? WHERE task_id = ?`,
		time.Now().Unix(), taskID)
	return err
}

// --- codebase understanding ---

func (s *Store) UpsertCodebaseUnderstanding(ctx context.Context, cu chatmsg.CodebaseUnderstanding) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO codebase_understandings (id, repo_full_name, summary, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(repo_full_name) DO UPDATE SET summary=excluded.summary, updated_at=excluded.updated_at`,
		cu.ID, cu.RepoFullName, cu.Summary, cu.UpdatedAt.Unix())
	return err
}

func (s *Store) GetCodebaseUnderstanding(ctx context.Context, repoFullName string) (*chatmsg.CodebaseUnderstanding, bool, error) {
	var cu chatmsg.CodebaseUnderstanding
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT id, repo_full_name, summary, updated_at FROM codebase_understandings
		WHERE repo_full_name = ?`, repoFullName).Scan(&cu.ID, &cu.RepoFullName, &cu.Summary, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	cu.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &cu, true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
