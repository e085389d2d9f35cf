// Package llmclient implements the external LLM client boundary of spec
// §6: createMessageStream(systemPrompt, messages, model, userApiKeys,
// enableTools, taskId, workspacePath) as a lazy sequence of Chunks. The
// concrete Service drives the provider's own streaming API and the
// multi-round tool-calling loop, the way the teacher's llm/oai.Service
// drives chat completion retries in llm/oai/oai.go — generalized from a
// single non-streaming Do call to a real SSE stream plus tool-call
// round-tripping, since the orchestrator needs incremental chunks rather
// than one final response.
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Model mirrors the teacher's llm/oai.Model: a named provider endpoint plus
// the knobs that vary request shape per provider.
type Model struct {
	UserName         string
	ModelName        string
	URL              string
	APIKeyEnv        string
	IsReasoningModel bool
}

const (
	DefaultMaxTokens = 8192

	OpenAIURL    = "https://api.openai.com/v1"
	FireworksURL = "https://api.fireworks.ai/inference/v1"
	CerebrasURL  = "https://api.cerebras.ai/v1"
	TogetherURL  = "https://api.together.xyz/v1"
	GeminiURL    = "https://generativelanguage.googleapis.com/v1beta/openai/"
	MistralURL   = "https://api.mistral.ai/v1"
	MoonshotURL  = "https://api.moonshot.ai/v1"

	OpenAIAPIKeyEnv    = "OPENAI_API_KEY"
	FireworksAPIKeyEnv = "FIREWORKS_API_KEY"
	CerebrasAPIKeyEnv  = "CEREBRAS_API_KEY"
	TogetherAPIKeyEnv  = "TOGETHER_API_KEY"
	GeminiAPIKeyEnv    = "GEMINI_API_KEY"
	MistralAPIKeyEnv   = "MISTRAL_API_KEY"
	MoonshotAPIKeyEnv  = "MOONSHOT_API_KEY"
)

var (
	DefaultModel = GPT41

	GPT41 = Model{UserName: "gpt4.1", ModelName: "gpt-4.1-2025-04-14", URL: OpenAIURL, APIKeyEnv: OpenAIAPIKeyEnv}

	GPT4o = Model{UserName: "gpt4o", ModelName: "gpt-4o-2024-08-06", URL: OpenAIURL, APIKeyEnv: OpenAIAPIKeyEnv}

	GPT4oMini = Model{UserName: "gpt4o-mini", ModelName: "gpt-4o-mini-2024-07-18", URL: OpenAIURL, APIKeyEnv: OpenAIAPIKeyEnv}

	GPT41Mini = Model{UserName: "gpt4.1-mini", ModelName: "gpt-4.1-mini-2025-04-14", URL: OpenAIURL, APIKeyEnv: OpenAIAPIKeyEnv}

	O3 = Model{UserName: "o3", ModelName: "o3-2025-04-16", URL: OpenAIURL, APIKeyEnv: OpenAIAPIKeyEnv, IsReasoningModel: true}

	O4Mini = Model{UserName: "o4-mini", ModelName: "o4-mini-2025-04-16", URL: OpenAIURL, APIKeyEnv: OpenAIAPIKeyEnv, IsReasoningModel: true}

	Cerebras70B = Model{UserName: "cerebras-llama3.3-70b", ModelName: "llama-3.3-70b", URL: CerebrasURL, APIKeyEnv: CerebrasAPIKeyEnv}

	models = []Model{GPT41, GPT4o, GPT4oMini, GPT41Mini, O3, O4Mini, Cerebras70B}
)

// ModelByUserName looks up a Model by its user-facing name, falling back to
// DefaultModel when name is unrecognized, mirroring oai.ModelByUserName.
func ModelByUserName(name string) Model {
	for _, m := range models {
		if m.UserName == name {
			return m
		}
	}
	return DefaultModel
}

func (m Model) requiresMaxCompletionTokens() bool {
	return m.IsReasoningModel
}

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single function invocation the model has requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON, as the provider sent it
}

// Message is one entry of the conversation passed into CreateMessageStream.
// ToolCalls is populated on assistant messages that invoked tools;
// ToolCallID identifies which call a tool-role message answers.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema object
}

// ToolRunner executes a tool call against the task's workspace. Chatengine
// owns the concrete registry (todo_write/todo_read, file/command/git
// tools); llmclient only knows how to ask for a call to run and forward
// its result back to the model.
type ToolRunner interface {
	RunTool(ctx context.Context, call ToolCall) (output string, isError bool, err error)
}

// ChunkKind tags the variant carried by a Chunk.
type ChunkKind string

const (
	ChunkContent    ChunkKind = "content"
	ChunkToolCall   ChunkKind = "tool-call"
	ChunkToolResult ChunkKind = "tool-result"
	ChunkUsage      ChunkKind = "usage"
	ChunkComplete   ChunkKind = "complete"
	ChunkError      ChunkKind = "error"
)

// Usage carries token accounting for one model round.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one element of the lazy stream CreateMessageStream returns.
type Chunk struct {
	Kind ChunkKind

	Text string // ChunkContent

	ToolCall   ToolCall // ChunkToolCall
	ToolOutput string   // ChunkToolResult
	ToolError  bool      // ChunkToolResult

	Usage Usage // ChunkUsage

	FinishReason string // ChunkComplete

	Err error // ChunkError
}

// StreamRequest is the full input to CreateMessageStream, matching the
// external interface of spec §6.
type StreamRequest struct {
	SystemPrompt string
	Messages     []Message
	Model        string // Model.UserName; DefaultModel if empty/unrecognized
	UserAPIKeys  map[string]string // APIKeyEnv -> key, overrides process env
	EnableTools  bool
	Tools        []ToolDefinition
	Runner       ToolRunner

	TaskID        string
	WorkspacePath string
}

// Client is the external LLM boundary: one call returns a channel of
// Chunks, closed when the turn (including any tool round-trips) is done.
// Callers cancel mid-stream via ctx, which plays the role of the spec's
// cancelToken.
type Client interface {
	CreateMessageStream(ctx context.Context, req StreamRequest) (<-chan Chunk, error)
}

// Service is the sashabaranov/go-openai-backed Client, grounded on the
// teacher's llm/oai.Service: same provider/model/backoff shape, adapted
// from a single Do() round to a streaming, tool-looping conversation.
type Service struct {
	HTTPClient *http.Client
	MaxTokens  int
}

// New returns a Service using http.DefaultClient unless overridden.
func New() *Service {
	return &Service{}
}

const maxToolRounds = 25

func (s *Service) apiKey(model Model, userKeys map[string]string) string {
	if userKeys != nil {
		if k := userKeys[model.APIKeyEnv]; k != "" {
			return k
		}
	}
	return os.Getenv(model.APIKeyEnv)
}

// CreateMessageStream drives req.Model against the provider in a
// background goroutine, emitting content/tool-call/tool-result/usage
// chunks as they happen and a final complete or error chunk before
// closing the returned channel.
func (s *Service) CreateMessageStream(ctx context.Context, req StreamRequest) (<-chan Chunk, error) {
	model := ModelByUserName(req.Model)
	apiKey := s.apiKey(model, req.UserAPIKeys)
	if apiKey == "" {
		return nil, fmt.Errorf("llmclient: no API key for model %q (env %s)", model.UserName, model.APIKeyEnv)
	}

	cfg := openai.DefaultConfig(apiKey)
	if model.URL != "" {
		cfg.BaseURL = model.URL
	}
	if s.HTTPClient != nil {
		cfg.HTTPClient = s.HTTPClient
	}
	client := openai.NewClientWithConfig(cfg)

	out := make(chan Chunk, 16)
	go s.run(ctx, client, model, req, out)
	return out, nil
}

func (s *Service) run(ctx context.Context, client *openai.Client, model Model, req StreamRequest, out chan<- Chunk) {
	defer close(out)

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, toOpenAIMessage(m))
	}

	tools := toOpenAITools(req.Tools)

	var totalUsage Usage
	for round := 0; ; round++ {
		if round >= maxToolRounds {
			out <- Chunk{Kind: ChunkError, Err: fmt.Errorf("llmclient: exceeded %d tool round-trips", maxToolRounds)}
			return
		}

		request := openai.ChatCompletionRequest{
			Model:    model.ModelName,
			Messages: messages,
			Stream:   true,
		}
		if req.EnableTools && len(tools) > 0 {
			request.Tools = tools
		}
		if model.requiresMaxCompletionTokens() {
			request.MaxCompletionTokens = s.maxTokens()
		} else {
			request.MaxTokens = s.maxTokens()
		}

		assistantMsg, usage, finishReason, err := s.streamOneRound(ctx, client, request, out)
		if err != nil {
			out <- Chunk{Kind: ChunkError, Err: err}
			return
		}
		totalUsage.PromptTokens += usage.PromptTokens
		totalUsage.CompletionTokens += usage.CompletionTokens
		totalUsage.TotalTokens += usage.TotalTokens

		messages = append(messages, assistantMsg)

		if len(assistantMsg.ToolCalls) == 0 || !req.EnableTools {
			out <- Chunk{Kind: ChunkUsage, Usage: totalUsage}
			out <- Chunk{Kind: ChunkComplete, FinishReason: finishReason}
			return
		}

		if req.Runner == nil {
			out <- Chunk{Kind: ChunkError, Err: errors.New("llmclient: model requested tools but no ToolRunner was supplied")}
			return
		}

		for _, tc := range assistantMsg.ToolCalls {
			call := ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
			out <- Chunk{Kind: ChunkToolCall, ToolCall: call}

			output, isErr, runErr := req.Runner.RunTool(ctx, call)
			if runErr != nil {
				output, isErr = runErr.Error(), true
			}
			out <- Chunk{Kind: ChunkToolResult, ToolCall: call, ToolOutput: output, ToolError: isErr}

			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    output,
				ToolCallID: tc.ID,
			})
		}

		if ctx.Err() != nil {
			out <- Chunk{Kind: ChunkError, Err: ctx.Err()}
			return
		}
	}
}

func (s *Service) maxTokens() int {
	if s.MaxTokens > 0 {
		return s.MaxTokens
	}
	return DefaultMaxTokens
}

// streamOneRound consumes one provider streaming response, forwarding
// content deltas as ChunkContent and accumulating tool-call deltas (which
// the provider sends piecemeal across several stream events) into a
// single assistant message, mirroring the retry/backoff posture of
// oai.Service.Do but applied to stream creation rather than a single
// request/response call.
func (s *Service) streamOneRound(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, out chan<- Chunk) (openai.ChatCompletionMessage, Usage, string, error) {
	backoff := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

	var errs error
	for attempt := 0; ; attempt++ {
		if attempt > 5 {
			return openai.ChatCompletionMessage{}, Usage{}, "", fmt.Errorf("llmclient: stream failed after %d attempts: %w", attempt, errs)
		}
		if attempt > 0 {
			sleep := backoff[min(attempt-1, len(backoff)-1)] + time.Duration(rand.Int64N(int64(time.Second)))
			slog.WarnContext(ctx, "llmclient stream retry", "attempt", attempt, "sleep", sleep)
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return openai.ChatCompletionMessage{}, Usage{}, "", ctx.Err()
			}
		}

		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
				return openai.ChatCompletionMessage{}, Usage{}, "", err
			}
			errs = errors.Join(errs, err)
			continue
		}

		msg, usage, finish, streamErr := drainStream(ctx, stream, out)
		stream.Close()
		if streamErr == nil {
			return msg, usage, finish, nil
		}
		errs = errors.Join(errs, streamErr)
	}
}

func drainStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) (openai.ChatCompletionMessage, Usage, string, error) {
	var content strings.Builder
	calls := map[int]*openai.ToolCall{}
	var callOrder []int
	var usage Usage
	var finishReason string

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return openai.ChatCompletionMessage{}, Usage{}, "", ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return openai.ChatCompletionMessage{}, Usage{}, "", err
		}
		if resp.Usage != nil {
			usage = Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			out <- Chunk{Kind: ChunkContent, Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			existing, ok := calls[idx]
			if !ok {
				cp := tc
				calls[idx] = &cp
				callOrder = append(callOrder, idx)
				continue
			}
			existing.Function.Arguments += tc.Function.Arguments
			if tc.Function.Name != "" {
				existing.Function.Name = tc.Function.Name
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
		}
	}

	assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content.String()}
	for _, idx := range callOrder {
		assistant.ToolCalls = append(assistant.ToolCalls, *calls[idx])
	}
	return assistant, usage, finishReason, nil
}

// CreateSimpleCompletion drives a single non-streaming-to-the-caller,
// tool-free round through client and returns the assistant's full text.
// It is the "small LLM call" primitive spec §4.11 describes for PR
// metadata generation, also reused by gitservice's commit-message
// generator: both just want one prompt in, one string out, with no tool
// loop and no chunk-by-chunk consumption by the caller.
func CreateSimpleCompletion(ctx context.Context, client Client, systemPrompt, userPrompt, model string, userAPIKeys map[string]string) (string, error) {
	stream, err := client.CreateMessageStream(ctx, StreamRequest{
		SystemPrompt: systemPrompt,
		Messages:     []Message{{Role: RoleUser, Content: userPrompt}},
		Model:        model,
		UserAPIKeys:  userAPIKeys,
		EnableTools:  false,
	})
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for chunk := range stream {
		switch chunk.Kind {
		case ChunkContent:
			text.WriteString(chunk.Text)
		case ChunkError:
			return "", chunk.Err
		case ChunkComplete:
			return text.String(), nil
		}
	}
	return text.String(), nil
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{Content: m.Content, ToolCallID: m.ToolCallID}
	switch m.Role {
	case RoleUser:
		out.Role = openai.ChatMessageRoleUser
	case RoleAssistant:
		out.Role = openai.ChatMessageRoleAssistant
	case RoleTool:
		out.Role = openai.ChatMessageRoleTool
	default:
		out.Role = openai.ChatMessageRoleSystem
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

func toOpenAITools(defs []ToolDefinition) []openai.Tool {
	var tools []openai.Tool
	for _, d := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return tools
}
