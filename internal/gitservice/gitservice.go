// Package gitservice implements the high-level git operations of spec
// §4.8 atop any executor.Executor, so the same logic runs whether the
// workspace is local or inside a remote sandbox. The raw-diff parsing and
// recent-log windowing are grounded in the teacher's git_tools package
// (GitRawDiff/parseRawDiff, GitRecentLog/getGitLog), rewritten here to run
// through Executor.ExecuteCommand instead of exec.Command directly.
package gitservice

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shadowrealm/orchestrator/internal/executor"
	"github.com/shadowrealm/orchestrator/internal/orcherr"
)

// Person identifies a commit author or co-author.
type Person struct {
	Name  string
	Email string
}

// FileOp classifies a change in GetFileChanges.
type FileOp string

const (
	OpCreate FileOp = "CREATE"
	OpUpdate FileOp = "UPDATE"
	OpDelete FileOp = "DELETE"
	OpRename FileOp = "RENAME"
)

// FileChange is one entry of GetFileChanges.
type FileChange struct {
	Path      string
	Op        FileOp
	Additions int
	Deletions int
	CreatedAt time.Time
}

// DiffStats summarizes a set of FileChanges.
type DiffStats struct {
	Additions  int
	Deletions  int
	TotalFiles int
}

// FileChangesResult is the outcome of GetFileChanges.
type FileChangesResult struct {
	FileChanges []FileChange
	DiffStats   DiffStats
}

// Service implements spec §4.8 atop an Executor.
type Service struct {
	exec executor.Executor
	now  func() time.Time
}

// New returns a GitService bound to exec.
func New(exec executor.Executor) *Service {
	return &Service{exec: exec, now: time.Now}
}

func (s *Service) HasChanges(ctx context.Context) (bool, error) {
	st, err := s.exec.GitStatus(ctx)
	if err != nil {
		return false, err
	}
	return !st.Clean, nil
}

func (s *Service) GetCurrentCommitSha(ctx context.Context) (string, error) {
	res, err := s.exec.ExecuteCommand(ctx, "git rev-parse HEAD", executor.CommandOptions{})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse HEAD failed: %s", res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (s *Service) GetCurrentBranch(ctx context.Context) (string, error) {
	st, err := s.exec.GitStatus(ctx)
	if err != nil {
		return "", err
	}
	return st.Branch, nil
}

// CreateShadowBranch checks out base, creates shadow from it, and returns
// base's resolved commit sha (the task's baseCommitSha per spec §3).
func (s *Service) CreateShadowBranch(ctx context.Context, base, shadow string) (string, error) {
	for _, cmd := range []string{
		fmt.Sprintf("git checkout %s", shellQuote(base)),
	} {
		res, err := s.exec.ExecuteCommand(ctx, cmd, executor.CommandOptions{})
		if err != nil || res.ExitCode != 0 {
			return "", fmt.Errorf("checkout base branch %s: %v (%s)", base, err, res.Stderr)
		}
	}
	baseSha, err := s.GetCurrentCommitSha(ctx)
	if err != nil {
		return "", err
	}
	res, err := s.exec.ExecuteCommand(ctx, fmt.Sprintf("git checkout -b %s", shellQuote(shadow)), executor.CommandOptions{})
	if err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("create shadow branch %s: %v (%s)", shadow, err, res.Stderr)
	}
	return baseSha, nil
}

// CommitInput is the payload for CommitChanges.
type CommitInput struct {
	User     Person
	CoAuthor Person
	Message  string
}

func (s *Service) CommitChanges(ctx context.Context, in CommitInput) (string, error) {
	sha, err := s.exec.GitCommit(ctx, executor.GitCommitInput{
		AuthorName:    in.User.Name,
		AuthorEmail:   in.User.Email,
		CoAuthorName:  in.CoAuthor.Name,
		CoAuthorEmail: in.CoAuthor.Email,
		Message:       in.Message,
	})
	if err != nil {
		return "", orcherr.Wrap(orcherr.ErrCommitFailed, "%v", err)
	}
	return sha, nil
}

func (s *Service) PushBranch(ctx context.Context, name string, setUpstream bool) error {
	if err := s.exec.GitPush(ctx, name, setUpstream); err != nil {
		return orcherr.Wrap(orcherr.ErrPushFailed, "%v", err)
	}
	return nil
}

// substantialDiffLines is the line threshold above which
// CommitChangesIfAny asks for an LLM-generated commit message instead of
// synthesizing one, per spec §4.8.
const substantialDiffLines = 20

// CommitMessageGenerator produces a commit message summarizing diff for a
// task. Chatengine supplies the concrete implementation (backed by
// internal/llmclient); gitservice only depends on this narrow interface
// to avoid an upward import into the LLM layer.
type CommitMessageGenerator interface {
	GenerateCommitMessage(ctx context.Context, taskID, diff string) (string, error)
}

// CommitChangesIfAny implements spec §4.8's commitChangesIfAny: when the
// workspace is dirty, it commits (generating a message via gen for
// substantial diffs, or a fixed fallback otherwise) and pushes to
// shadowBranch. A push failure is logged by the caller via the returned
// error but never undoes the commit — the caller decides whether to
// surface it, per §7's "CommitFailed/PushFailed: log and continue, never
// fail chat."
func (s *Service) CommitChangesIfAny(ctx context.Context, taskID, shadowBranch string, user, coAuthor Person, gen CommitMessageGenerator) (sha string, pushErr error, err error) {
	has, err := s.HasChanges(ctx)
	if err != nil {
		return "", nil, err
	}
	if !has {
		return "", nil, nil
	}

	message := "Update code via agent"
	if diff, diffErr := s.GetDiff(ctx); diffErr == nil && strings.Count(diff, "\n") > substantialDiffLines && gen != nil {
		if generated, genErr := gen.GenerateCommitMessage(ctx, taskID, diff); genErr == nil && generated != "" {
			message = generated
		}
	}

	sha, err = s.CommitChanges(ctx, CommitInput{User: user, CoAuthor: coAuthor, Message: message})
	if err != nil {
		return "", nil, err
	}

	pushErr = s.PushBranch(ctx, shadowBranch, true)
	return sha, pushErr, nil
}

func (s *Service) GetDiff(ctx context.Context) (string, error) {
	return s.exec.GitDiff(ctx, "")
}

func (s *Service) GetDiffAgainstBase(ctx context.Context, baseBranch string) (string, error) {
	return s.exec.GitDiff(ctx, baseBranch)
}

// SafeCheckoutCommit checks out sha, refusing (and reporting false) if
// doing so would discard dirty changes, per spec §4.7 step 3.
func (s *Service) SafeCheckoutCommit(ctx context.Context, sha string) bool {
	clean, err := s.HasChanges(ctx)
	if err != nil {
		return false
	}
	if clean {
		// HasChanges returned true meaning there ARE changes; a dirty
		// tree would be clobbered by checkout, so refuse.
		return false
	}
	res, err := s.exec.ExecuteCommand(ctx, fmt.Sprintf("git checkout %s", shellQuote(sha)), executor.CommandOptions{})
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return true
}

// GetRecentCommitMessages windows the log the way the teacher's
// GitRecentLog/getGitLog do: walk back from HEAD looking for a usable
// merge-base with baseBranch, then take up to limit subjects.
func (s *Service) GetRecentCommitMessages(ctx context.Context, baseBranch string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	cmd := fmt.Sprintf("git log --pretty=%%s -n %d %s..HEAD", limit, shellQuote(baseBranch))
	res, err := s.exec.ExecuteCommand(ctx, cmd, executor.CommandOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		// Fall back to plain HEAD log if the range is invalid (e.g. no
		// common history yet), mirroring GitRecentLog's merge-base fallback.
		res, err = s.exec.ExecuteCommand(ctx, fmt.Sprintf("git log --pretty=%%s -n %d", limit), executor.CommandOptions{})
		if err != nil || res.ExitCode != 0 {
			return nil, fmt.Errorf("git log failed: %s", res.Stderr)
		}
	}
	var messages []string
	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(res.Stdout)))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			messages = append(messages, line)
		}
	}
	return messages, nil
}

// GetFileChanges returns the structured diff summary of spec §4.8,
// combining `git diff --raw` (for file-level status) with `git diff
// --numstat` (for line counts), exactly as the teacher's
// parseRawDiffWithNumstat merges the two git outputs.
func (s *Service) GetFileChanges(ctx context.Context, baseBranch string) (FileChangesResult, error) {
	rawRes, err := s.exec.ExecuteCommand(ctx, fmt.Sprintf("git diff --raw --abbrev=40 -M -C %s", shellQuote(baseBranch)), executor.CommandOptions{})
	if err != nil {
		return FileChangesResult{}, err
	}
	numRes, err := s.exec.ExecuteCommand(ctx, fmt.Sprintf("git diff --numstat %s", shellQuote(baseBranch)), executor.CommandOptions{})
	if err != nil {
		return FileChangesResult{}, err
	}

	numstat := parseNumstat(numRes.Stdout)
	changes := parseRawDiff(rawRes.Stdout)

	now := s.now()
	stats := DiffStats{}
	for i := range changes {
		if n, ok := numstat[changes[i].Path]; ok {
			changes[i].Additions = n.additions
			changes[i].Deletions = n.deletions
		}
		changes[i].CreatedAt = now
		stats.Additions += changes[i].Additions
		stats.Deletions += changes[i].Deletions
	}
	stats.TotalFiles = len(changes)
	return FileChangesResult{FileChanges: changes, DiffStats: stats}, nil
}

func parseNumstat(out string) map[string]struct{ additions, deletions int } {
	m := make(map[string]struct{ additions, deletions int })
	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(out)))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "\t", 3)
		if len(parts) < 3 {
			continue
		}
		add, _ := strconv.Atoi(parts[0])
		del, _ := strconv.Atoi(parts[1])
		m[parts[2]] = struct{ additions, deletions int }{add, del}
	}
	return m
}

func parseRawDiff(out string) []FileChange {
	var changes []FileChange
	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, ":") {
			continue
		}
		fields := strings.Fields(line[1:])
		if len(fields) < 5 {
			continue
		}
		status := fields[4]
		tab := strings.Index(line, "\t")
		if tab < 0 {
			continue
		}
		pathPart := line[tab+1:]

		op := statusToOp(status)
		if op == OpRename {
			pp := strings.Split(pathPart, "\t")
			if len(pp) == 2 {
				changes = append(changes, FileChange{Path: pp[1], Op: op})
				continue
			}
		}
		changes = append(changes, FileChange{Path: pathPart, Op: op})
	}
	return changes
}

func statusToOp(status string) FileOp {
	switch {
	case strings.HasPrefix(status, "A"):
		return OpCreate
	case strings.HasPrefix(status, "D"):
		return OpDelete
	case strings.HasPrefix(status, "R"), strings.HasPrefix(status, "C"):
		return OpRename
	default:
		return OpUpdate
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
