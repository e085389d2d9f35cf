package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeReplaysHistory(t *testing.T) {
	b := New(0)
	b.Publish("t1", StreamChunk{Kind: ChunkContent, Content: "a"})
	b.Publish("t1", StreamChunk{Kind: ChunkContent, Content: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub := b.Subscribe(ctx, "t1", 0)
	defer sub.Close()

	first := <-sub.C
	second := <-sub.C
	if first.Content != "a" || second.Content != "b" {
		t.Fatalf("got %q, %q, want a, b", first.Content, second.Content)
	}
}

func TestSubscribeFromPositionSkipsEarlierHistory(t *testing.T) {
	b := New(0)
	b.Publish("t1", StreamChunk{Kind: ChunkContent, Content: "a"})
	b.Publish("t1", StreamChunk{Kind: ChunkContent, Content: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub := b.Subscribe(ctx, "t1", 1)
	defer sub.Close()

	msg := <-sub.C
	if msg.Content != "b" {
		t.Fatalf("got %q, want b", msg.Content)
	}
}

func TestNewSubscriberReceivesLiveChunks(t *testing.T) {
	b := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub := b.Subscribe(ctx, "t1", 0)
	defer sub.Close()

	go b.Publish("t1", StreamChunk{Kind: ChunkContent, Content: "live"})

	select {
	case msg := <-sub.C:
		if msg.Content != "live" {
			t.Fatalf("got %q, want live", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live chunk")
	}
}

func TestCloseRemovesSubscriber(t *testing.T) {
	b := New(0)
	sub := b.Subscribe(context.Background(), "t1", 0)

	ts := b.stream("t1")
	ts.mu.Lock()
	n := len(ts.subscribers)
	ts.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	sub.Close()

	ts.mu.Lock()
	n = len(ts.subscribers)
	ts.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected 0 subscribers after Close, got %d", n)
	}
}

func TestContextCancelUnsubscribes(t *testing.T) {
	b := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, "t1", 0)
	cancel()

	deadline := time.After(time.Second)
	for {
		ts := b.stream("t1")
		ts.mu.Lock()
		n := len(ts.subscribers)
		ts.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for subscriber removal after cancel")
		case <-time.After(time.Millisecond):
		}
	}
	_ = sub
}

func TestStreamStateReflectsBufferPosition(t *testing.T) {
	b := New(0)
	b.StartStream("t1")
	b.Publish("t1", StreamChunk{Kind: ChunkContent, Content: "hello "})
	b.Publish("t1", StreamChunk{Kind: ChunkContent, Content: "world"})

	state := b.StreamState("t1")
	if state.Content != "hello world" {
		t.Fatalf("got %q", state.Content)
	}
	if !state.IsStreaming {
		t.Fatal("expected isStreaming true")
	}
	if state.BufferPosition != 2 {
		t.Fatalf("got bufferPosition %d, want 2", state.BufferPosition)
	}

	b.EndStream("t1")
	state = b.StreamState("t1")
	if state.IsStreaming {
		t.Fatal("expected isStreaming false after EndStream")
	}
}
