package chatengine

import (
	"context"
	"strings"

	"github.com/shadowrealm/orchestrator/internal/llmclient"
)

// CommitMessageGenerator adapts an llmclient.Client into
// gitservice.CommitMessageGenerator, the concrete implementation the
// gitservice package doc promises "Chatengine supplies ... (backed by
// internal/llmclient)". It lives here rather than in gitservice so that
// package stays a leaf with no dependency on the LLM boundary.
type CommitMessageGenerator struct {
	llm   llmclient.Client
	model string
}

// NewCommitMessageGenerator returns a generator that drives llm with
// model (or llmclient's default small model if empty) to summarize diff
// into a commit message: one summary line, optionally followed by a blank
// line and a short body.
func NewCommitMessageGenerator(llm llmclient.Client, model string) *CommitMessageGenerator {
	if model == "" {
		model = llmclient.GPT4oMini.UserName
	}
	return &CommitMessageGenerator{llm: llm, model: model}
}

const commitMessageSystemPrompt = `You write a single git commit message summarizing a diff for an autonomous coding agent. Respond with ONLY the commit message: one imperative summary line under 72 characters, optionally followed by a blank line and a short body. Do not wrap the response in quotes or markdown.`

// GenerateCommitMessage implements gitservice.CommitMessageGenerator.
func (g *CommitMessageGenerator) GenerateCommitMessage(ctx context.Context, taskID, diff string) (string, error) {
	msg, err := llmclient.CreateSimpleCompletion(ctx, g.llm, commitMessageSystemPrompt, diff, g.model, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg), nil
}
