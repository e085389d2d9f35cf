// Package task defines the long-lived Task record that anchors a single
// coding-agent engagement: one repository, one shadow branch, one workspace.
package task

import "time"

// Status is the externally visible lifecycle state of a Task.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusRunning       Status = "RUNNING"
	StatusCompleted     Status = "COMPLETED"
	StatusStopped       Status = "STOPPED"
	StatusFailed        Status = "FAILED"
	StatusArchived      Status = "ARCHIVED"
)

// IsTerminal reports whether status can never transition again.
func (s Status) IsTerminal() bool {
	return s == StatusArchived
}

// InitStatus is the InitEngine's step cursor for a Task.
type InitStatus string

const (
	InitInactive               InitStatus = "INACTIVE"
	InitPrepareWorkspace       InitStatus = "PREPARE_WORKSPACE"
	InitCreateVM               InitStatus = "CREATE_VM"
	InitWaitVMReady            InitStatus = "WAIT_VM_READY"
	InitVerifyVMWorkspace      InitStatus = "VERIFY_VM_WORKSPACE"
	InitStartBackgroundSvcs    InitStatus = "START_BACKGROUND_SERVICES"
	InitInstallDependencies    InitStatus = "INSTALL_DEPENDENCIES"
	InitCompleteShadowWiki     InitStatus = "COMPLETE_SHADOW_WIKI"
	InitActive                InitStatus = "ACTIVE"
)

// Task is the unit of work the orchestrator manages end to end.
type Task struct {
	ID            string
	RepoFullName  string
	RepoURL       string
	BaseBranch    string
	ShadowBranch  string
	BaseCommitSha string
	WorkspacePath string

	Status     Status
	InitStatus InitStatus

	InitializationError string
	HasInitError        bool

	ScheduledCleanupAt *time.Time
	WorkspaceCleanedUp bool

	UserID                   string
	CodebaseUnderstandingID  string

	CreatedAt    time.Time
	LastActiveAt time.Time
}

// DefaultShadowBranch returns the conventional shadow branch name for id,
// used whenever a caller does not supply one explicitly.
func DefaultShadowBranch(id string) string {
	return "shadow/task-" + id
}

// HasWorkspace reports whether a workspace has been materialized at least
// once for this task (spec invariant: WorkspacePath set iff materialized).
func (t *Task) HasWorkspace() bool {
	return t.WorkspacePath != ""
}

// BumpActivity records that the task did something observable just now,
// which TaskCleanupService and follow-up reconciliation consult.
func (t *Task) BumpActivity(now time.Time) {
	t.LastActiveAt = now
}

// ScheduleCleanup sets a future cleanup deadline relative to now.
func (t *Task) ScheduleCleanup(now time.Time, after time.Duration) {
	at := now.Add(after)
	t.ScheduledCleanupAt = &at
}

// CancelScheduledCleanup clears any pending cleanup deadline.
func (t *Task) CancelScheduledCleanup() {
	t.ScheduledCleanupAt = nil
}

// DueForCleanup reports whether a cleanup deadline is set and has passed.
func (t *Task) DueForCleanup(now time.Time) bool {
	return t.ScheduledCleanupAt != nil && !t.ScheduledCleanupAt.After(now)
}
