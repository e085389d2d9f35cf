// Package eventbus fans typed StreamChunk events out to per-task
// subscribers, buffering the current stream so late joiners can catch up.
//
// The subscriber-channel-plus-history pattern is carried over from the
// teacher's loop.Agent (subscribers []chan *AgentMessage, pushToOutbox,
// NewIterator), generalized from a single linear AgentMessage history to
// the typed StreamChunk union and multi-task scoping required here.
package eventbus

import (
	"context"
	"sync"
)

// ChunkKind tags the variant held by a StreamChunk.
type ChunkKind string

const (
	ChunkContent       ChunkKind = "content"
	ChunkToolCall      ChunkKind = "tool-call"
	ChunkToolResult    ChunkKind = "tool-result"
	ChunkUsage         ChunkKind = "usage"
	ChunkComplete      ChunkKind = "complete"
	ChunkError         ChunkKind = "error"
	ChunkInitProgress  ChunkKind = "init-progress"
	ChunkTodoUpdate    ChunkKind = "todo-update"
	ChunkFSChange      ChunkKind = "fs-change"
	ChunkFSOverride    ChunkKind = "fs-override"
	ChunkTerminalOut   ChunkKind = "terminal-output"
)

// StreamChunk is the closed set of event variants published onto the bus.
// Modeled as a tagged union (one struct, a Kind discriminant, and fields
// relevant to that kind left zero otherwise) rather than a string-keyed
// map, per the Design Notes' "typed union" guidance.
type StreamChunk struct {
	Kind ChunkKind

	// content
	Content string

	// tool-call / tool-result
	ToolCallID string
	ToolName   string
	ToolArgs   string
	ToolResult string

	// usage
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// complete / error
	FinishReason string
	Error        string

	// init-progress
	InitPhase string // start|step-start|error|complete
	InitStep  string

	// todo-update
	Todos      []TodoView
	TodoAction string // replaced|updated
	TodoTotals map[string]int

	// fs-change
	FSOperation  string
	FSPath       string
	FSIsDir      bool

	// fs-override
	FileChanges  []FileChangeView
	DiffStats    DiffStatsView
	CodebaseTree []string
	Message      string

	// terminal-output
	TerminalEntry string
}

// TodoView, FileChangeView, DiffStatsView intentionally duplicate shapes
// from chatmsg/gitservice rather than importing those packages, so the
// bus stays a leaf dependency with no upward coupling.
type TodoView struct {
	ID      string
	Content string
	Status  string
}

type FileChangeView struct {
	Path      string
	Op        string
	Additions int
	Deletions int
}

type DiffStatsView struct {
	Additions  int
	Deletions  int
	TotalFiles int
}

// StreamState is handed to a subscriber the moment it joins.
type StreamState struct {
	Content        string
	IsStreaming    bool
	BufferPosition int
}

type subscriber struct {
	ch       chan StreamChunk
	fromPos  int
}

type taskStream struct {
	mu                  sync.Mutex
	currentStreamContent string
	isStreaming         bool
	history             []StreamChunk
	subscribers         []*subscriber
}

// Bus is a process-wide, per-task publish/subscribe hub. Zero value is not
// usable; construct with New.
type Bus struct {
	mu     sync.Mutex
	tasks  map[string]*taskStream
	bufcap int
}

// New returns a Bus buffering up to bufcap chunks of replay history per
// task stream (0 means unbounded, matching the teacher's unbounded
// Agent.history).
func New(bufcap int) *Bus {
	return &Bus{tasks: make(map[string]*taskStream), bufcap: bufcap}
}

func (b *Bus) stream(taskID string) *taskStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.tasks[taskID]
	if !ok {
		ts = &taskStream{}
		b.tasks[taskID] = ts
	}
	return ts
}

// StartStream resets a task's current-stream buffer and marks it
// streaming, called by ChatEngine before driving the LLM loop.
func (b *Bus) StartStream(taskID string) {
	ts := b.stream(taskID)
	ts.mu.Lock()
	ts.currentStreamContent = ""
	ts.isStreaming = true
	ts.mu.Unlock()
}

// EndStream marks a task's stream finished; history is retained for replay.
func (b *Bus) EndStream(taskID string) {
	ts := b.stream(taskID)
	ts.mu.Lock()
	ts.isStreaming = false
	ts.mu.Unlock()
}

// Publish broadcasts chunk to every current subscriber of taskID and
// appends it to replay history. Safe for concurrent use with Subscribe.
func (b *Bus) Publish(taskID string, chunk StreamChunk) {
	ts := b.stream(taskID)
	ts.mu.Lock()
	if chunk.Kind == ChunkContent {
		ts.currentStreamContent += chunk.Content
	}
	ts.history = append(ts.history, chunk)
	if b.bufcap > 0 && len(ts.history) > b.bufcap {
		ts.history = ts.history[len(ts.history)-b.bufcap:]
	}
	subs := make([]*subscriber, len(ts.subscribers))
	copy(subs, ts.subscribers)
	ts.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- chunk:
		default:
			// best-effort broadcast: a full subscriber buffer drops the
			// chunk rather than blocking the publisher.
		}
	}
}

// StreamState returns the snapshot a newly-joining subscriber should see.
func (b *Bus) StreamState(taskID string) StreamState {
	ts := b.stream(taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return StreamState{
		Content:        ts.currentStreamContent,
		IsStreaming:    ts.isStreaming,
		BufferPosition: len(ts.history),
	}
}

// Subscription is a live handle returned by Subscribe; call Close to stop
// receiving and release the subscriber slot.
type Subscription struct {
	C      <-chan StreamChunk
	bus    *Bus
	taskID string
	sub    *subscriber
}

// Subscribe registers a new listener for taskID, replaying history from
// fromPosition (0 = from the start of the currently buffered history) and
// then forwarding new chunks as they are published. ctx cancellation
// unregisters the subscriber automatically.
func (b *Bus) Subscribe(ctx context.Context, taskID string, fromPosition int) *Subscription {
	ts := b.stream(taskID)
	sub := &subscriber{ch: make(chan StreamChunk, 256), fromPos: fromPosition}

	ts.mu.Lock()
	replay := make([]StreamChunk, 0)
	if fromPosition >= 0 && fromPosition < len(ts.history) {
		replay = append(replay, ts.history[fromPosition:]...)
	}
	ts.subscribers = append(ts.subscribers, sub)
	ts.mu.Unlock()

	for _, c := range replay {
		select {
		case sub.ch <- c:
		default:
		}
	}

	s := &Subscription{C: sub.ch, bus: b, taskID: taskID, sub: sub}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			s.Close()
		}()
	}
	return s
}

// Close unregisters the subscription. Idempotent.
func (s *Subscription) Close() {
	ts := s.bus.stream(s.taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, sub := range ts.subscribers {
		if sub == s.sub {
			ts.subscribers = append(ts.subscribers[:i], ts.subscribers[i+1:]...)
			return
		}
	}
}

// Forget drops all buffered state for a task, called by ChatEngine's
// cleanupTask mapping (§4.6.5) once a task's in-memory state is torn down.
func (b *Bus) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, taskID)
}
