package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/shadowrealm/orchestrator/internal/eventbus"
)

func TestServeTaskSendsConnectionInfoAndStreamState(t *testing.T) {
	bus := eventbus.New(0)
	bus.StartStream("task_1")
	bus.Publish("task_1", eventbus.StreamChunk{Kind: eventbus.ChunkContent, Content: "hi"})

	srv := &Server{Bus: bus}
	ts := httptest.NewServer(srv.Handler("/ws/"))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/task_1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	var first, second map[string]any
	readJSON(t, ctx, conn, &first)
	readJSON(t, ctx, conn, &second)

	if first["type"] != "connection-info" {
		t.Fatalf("expected connection-info first, got %v", first)
	}
	if second["type"] != "stream-state" || second["content"] != "hi" {
		t.Fatalf("unexpected stream-state: %v", second)
	}
}

func TestServeTaskRelaysPublishedChunks(t *testing.T) {
	bus := eventbus.New(0)
	bus.StartStream("task_1")

	srv := &Server{Bus: bus}
	ts := httptest.NewServer(srv.Handler("/ws/"))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/task_1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	var connInfo, streamState map[string]any
	readJSON(t, ctx, conn, &connInfo)
	readJSON(t, ctx, conn, &streamState)

	bus.Publish("task_1", eventbus.StreamChunk{Kind: eventbus.ChunkContent, Content: "world"})

	var relayed map[string]any
	readJSON(t, ctx, conn, &relayed)
	if relayed["kind"] != "content" || relayed["Content"] != "world" {
		t.Fatalf("unexpected relayed chunk: %v", relayed)
	}
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatal(err)
	}
}
