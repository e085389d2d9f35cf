// Package prservice implements PRService (spec §4.11): after a successful
// commit+push, decide whether a pull request should be opened and, if so,
// generate its title/description/draft-state with a small LLM call before
// handing creation off to an external git-host client. Grounded on the
// teacher's llm.Request/llm.Response small-request shape
// (claudetool/codereview/llm_review.go's SubConvo+SendMessage call), here
// driven through the same internal/llmclient adapter ChatEngine uses
// rather than a standalone sub-conversation type.
package prservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/shadowrealm/orchestrator/internal/llmclient"
	"github.com/shadowrealm/orchestrator/internal/task"
)

// maxDiffBytes bounds the diff excerpt handed to the metadata prompt, per
// spec §4.11 ("gitDiff (truncated <= 3 kB)").
const maxDiffBytes = 3 * 1024

// Metadata is the PR shape the small LLM call is asked to produce.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	IsDraft     bool   `json:"isDraft"`
}

// CreatePRInput bundles everything GitHostClient needs to open a PR.
type CreatePRInput struct {
	RepoFullName string
	Base         string
	Head         string
	Title        string
	Description  string
	Draft        bool
}

// GitHostClient is the external git-host collaborator spec §4.11 defers
// PR creation to ("PR creation itself is delegated to an external git-host
// client"). A nil GitHostClient disables the service entirely.
type GitHostClient interface {
	HasOpenPR(ctx context.Context, repoFullName, branch string) (bool, error)
	CreatePR(ctx context.Context, in CreatePRInput) (url string, err error)
}

// Service implements chatengine.PRHook by structural typing: it exposes a
// MaybeCreatePR method with the same signature without importing
// chatengine, keeping the two packages from depending on each other.
type Service struct {
	llm   llmclient.Client
	host  GitHostClient
	model string
}

// New returns a Service that asks llm (using model, or llmclient's default
// small model if empty) to draft PR metadata and hands creation to host.
// A nil host makes MaybeCreatePR a no-op, matching "auto-PR disabled".
func New(llm llmclient.Client, host GitHostClient, model string) *Service {
	if model == "" {
		model = llmclient.GPT4oMini.UserName
	}
	return &Service{llm: llm, host: host, model: model}
}

// MaybeCreatePR implements spec §4.11: skip if disabled or a PR is already
// open for the shadow branch, otherwise generate metadata and create one.
// Errors are returned for the caller to log-and-continue, per §7's
// PRService error policy (never escalated to a chat failure).
func (s *Service) MaybeCreatePR(ctx context.Context, t *task.Task, diff string, commitMessages []string, wasTaskCompleted bool) error {
	if s.host == nil {
		return nil
	}

	has, err := s.host.HasOpenPR(ctx, t.RepoFullName, t.ShadowBranch)
	if err != nil {
		return fmt.Errorf("prservice: check open PR: %w", err)
	}
	if has {
		return nil
	}

	excerpt := truncateDiff(diff)
	slog.DebugContext(ctx, "prservice: generating PR metadata",
		"task_id", t.ID, "diff_bytes", humanize.Bytes(uint64(len(diff))), "excerpt_bytes", humanize.Bytes(uint64(len(excerpt))))

	meta, err := s.generateMetadata(ctx, t, excerpt, commitMessages, wasTaskCompleted)
	if err != nil {
		slog.WarnContext(ctx, "prservice: metadata generation failed, using fallback", "task_id", t.ID, "error", err)
		meta = fallbackMetadata(t, commitMessages, wasTaskCompleted)
	}
	if !wasTaskCompleted {
		meta.IsDraft = true
	}

	url, err := s.host.CreatePR(ctx, CreatePRInput{
		RepoFullName: t.RepoFullName,
		Base:         t.BaseBranch,
		Head:         t.ShadowBranch,
		Title:        meta.Title,
		Description:  meta.Description,
		Draft:        meta.IsDraft,
	})
	if err != nil {
		return fmt.Errorf("prservice: create PR: %w", err)
	}
	slog.InfoContext(ctx, "prservice: PR created", "task_id", t.ID, "url", url, "draft", meta.IsDraft)
	return nil
}

const metadataSystemPrompt = `You write concise, accurate pull request metadata for an autonomous coding agent's changes. Respond with ONLY a JSON object of the form {"title": "...", "description": "...", "isDraft": true|false}. The title is a single imperative line under 72 characters. The description briefly summarizes what changed and why, using the commit messages and diff provided. Set isDraft to true if the work looks incomplete.`

func (s *Service) generateMetadata(ctx context.Context, t *task.Task, diffExcerpt string, commitMessages []string, wasTaskCompleted bool) (Metadata, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Repository: %s\nBranch: %s -> %s\nTask completed: %v\n\n", t.RepoFullName, t.ShadowBranch, t.BaseBranch, wasTaskCompleted)
	if len(commitMessages) > 0 {
		prompt.WriteString("Commit messages:\n")
		for _, m := range commitMessages {
			fmt.Fprintf(&prompt, "- %s\n", m)
		}
		prompt.WriteString("\n")
	}
	fmt.Fprintf(&prompt, "Diff excerpt:\n%s\n", diffExcerpt)

	raw, err := llmclient.CreateSimpleCompletion(ctx, s.llm, metadataSystemPrompt, prompt.String(), s.model, nil)
	if err != nil {
		return Metadata{}, err
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse PR metadata response: %w", err)
	}
	if meta.Title == "" {
		return Metadata{}, fmt.Errorf("PR metadata response missing title")
	}
	return meta, nil
}

// extractJSONObject trims any prose a model wraps around the JSON object
// it was asked for, taking the outermost {...} span.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func truncateDiff(diff string) string {
	if len(diff) <= maxDiffBytes {
		return diff
	}
	return diff[:maxDiffBytes] + "\n... (truncated)"
}

// fallbackMetadata synthesizes PR metadata when the LLM call fails,
// mirroring GitService.CommitChangesIfAny's "Update code via agent"
// fallback for commit messages.
func fallbackMetadata(t *task.Task, commitMessages []string, wasTaskCompleted bool) Metadata {
	title := fmt.Sprintf("Agent changes for %s", t.ShadowBranch)
	if len(commitMessages) > 0 {
		title = commitMessages[0]
	}
	return Metadata{
		Title:       title,
		Description: "Automated changes from the coding agent. See commit history for details.",
		IsDraft:     !wasTaskCompleted,
	}
}
