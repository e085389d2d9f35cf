package llmclient

import "context"

// Fake is a hand-written Client double for chatengine tests, matching the
// teacher's loop/mocks.go convention of scripting a fixed chunk sequence
// rather than pulling in a mocking framework.
type Fake struct {
	// Chunks is replayed verbatim on every call, once per element, closing
	// the channel once exhausted.
	Chunks []Chunk

	// LastRequest captures the most recent StreamRequest for assertions.
	LastRequest StreamRequest

	// RunToolInline, if set, causes the fake to invoke req.Runner for
	// every ChunkToolCall in Chunks before emitting it, so tests can
	// assert on tool side effects without a real model round-trip.
	RunToolInline bool
}

func (f *Fake) CreateMessageStream(ctx context.Context, req StreamRequest) (<-chan Chunk, error) {
	f.LastRequest = req
	out := make(chan Chunk, len(f.Chunks)+1)
	go func() {
		defer close(out)
		for _, c := range f.Chunks {
			if f.RunToolInline && c.Kind == ChunkToolCall && req.Runner != nil {
				output, isErr, err := req.Runner.RunTool(ctx, c.ToolCall)
				if err != nil {
					output, isErr = err.Error(), true
				}
				out <- c
				out <- Chunk{Kind: ChunkToolResult, ToolCall: c.ToolCall, ToolOutput: output, ToolError: isErr}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}
	}()
	return out, nil
}
