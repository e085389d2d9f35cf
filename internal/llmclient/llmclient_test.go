package llmclient

import (
	"context"
	"errors"
	"testing"
)

func TestModelByUserNameFallsBackToDefault(t *testing.T) {
	if got := ModelByUserName("gpt4o"); got.ModelName != GPT4o.ModelName {
		t.Fatalf("got %+v, want GPT4o", got)
	}
	if got := ModelByUserName("not-a-real-model"); got.UserName != DefaultModel.UserName {
		t.Fatalf("got %+v, want DefaultModel", got)
	}
}

func TestRequiresMaxCompletionTokensForReasoningModels(t *testing.T) {
	if !O3.requiresMaxCompletionTokens() {
		t.Fatal("expected O3 to require max_completion_tokens")
	}
	if GPT41.requiresMaxCompletionTokens() {
		t.Fatal("expected GPT41 not to require max_completion_tokens")
	}
}

type fakeRunner struct {
	calls []ToolCall
}

func (f *fakeRunner) RunTool(ctx context.Context, call ToolCall) (string, bool, error) {
	f.calls = append(f.calls, call)
	if call.Name == "boom" {
		return "", false, errors.New("tool exploded")
	}
	return "ok:" + call.Name, false, nil
}

func TestFakeClientReplaysScriptedChunksAndRunsTools(t *testing.T) {
	runner := &fakeRunner{}
	fake := &Fake{
		RunToolInline: true,
		Chunks: []Chunk{
			{Kind: ChunkContent, Text: "thinking..."},
			{Kind: ChunkToolCall, ToolCall: ToolCall{ID: "1", Name: "todo_write", Arguments: "{}"}},
			{Kind: ChunkUsage, Usage: Usage{TotalTokens: 42}},
			{Kind: ChunkComplete, FinishReason: "stop"},
		},
	}

	stream, err := fake.CreateMessageStream(context.Background(), StreamRequest{
		Messages: []Message{{Role: RoleUser, Content: "go"}},
		Runner:   runner,
	})
	if err != nil {
		t.Fatal(err)
	}

	var kinds []ChunkKind
	for c := range stream {
		kinds = append(kinds, c.Kind)
	}

	want := []ChunkKind{ChunkContent, ChunkToolCall, ChunkToolResult, ChunkUsage, ChunkComplete}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("chunk %d: got %s, want %s", i, kinds[i], want[i])
		}
	}
	if len(runner.calls) != 1 || runner.calls[0].Name != "todo_write" {
		t.Fatalf("expected todo_write to run, got %+v", runner.calls)
	}
}

func TestToOpenAIMessageRoundTripsToolCalls(t *testing.T) {
	msg := Message{
		Role:    RoleAssistant,
		Content: "calling a tool",
		ToolCalls: []ToolCall{
			{ID: "tc1", Name: "read_file", Arguments: `{"path":"a.go"}`},
		},
	}
	out := toOpenAIMessage(msg)
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Function.Name != "read_file" {
		t.Fatalf("unexpected conversion: %+v", out.ToolCalls)
	}
}
