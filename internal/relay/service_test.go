package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatrelay/internal/backend"
	"github.com/user/chatrelay/internal/router"
	"github.com/user/chatrelay/internal/translate"
	"github.com/user/chatrelay/internal/types"
)

func newTestService(b *fakeBackend, tr *fakeTransport) *Service {
	stats := &Stats{}
	poller := NewPoller(b, tr, translate.New("test"), nil, PollerOptions{Interval: 10 * time.Millisecond, Stats: stats})
	push := NewPushHandler(b, PushOptions{Stats: stats})
	return NewService(b, tr, poller, push, stats, nil)
}

func TestService_RelaysBothWays(t *testing.T) {
	b := &fakeBackend{}
	tr := newFakeTransport()
	svc := newTestService(b, tr)

	errc := make(chan error, 1)
	go func() { errc <- svc.Run(context.Background()) }()
	<-tr.started

	// Give the poller time to prime on the empty backend.
	time.Sleep(30 * time.Millisecond)
	b.add(userMsg("s1", "ping"))
	require.Eventually(t, func() bool { return len(tr.sentCopy()) == 1 }, 2*time.Second, 5*time.Millisecond)

	tr.deliver(context.Background(), routerMsg("s1", "pong"))
	require.Eventually(t, func() bool { return len(b.appendedCopy()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, svc.Connected())

	svc.Stop()
	require.NoError(t, <-errc)
	assert.True(t, tr.closed)
	assert.True(t, b.closed)

	snap := svc.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.Forwarded)
	assert.EqualValues(t, 1, snap.Appended)
	assert.False(t, snap.StartedAt.IsZero())
}

func TestService_RouterFailureIsFatal(t *testing.T) {
	b := &fakeBackend{}
	tr := newFakeTransport()
	tr.runErr = errBoom
	svc := newTestService(b, tr)

	err := svc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, tr.closed)
}

func TestService_ContextCancelStops(t *testing.T) {
	b := &fakeBackend{}
	tr := newFakeTransport()
	svc := newTestService(b, tr)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Run(ctx) }()
	<-tr.started
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestService_StopWhenIdle(t *testing.T) {
	svc := newTestService(&fakeBackend{}, newFakeTransport())
	svc.Stop()
}

// chatBackend is an in-memory web-chat backend speaking the HTTP API.
type chatBackend struct {
	mu      sync.Mutex
	records []map[string]any
}

func (c *chatBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/messages" {
		http.NotFound(w, r)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(c.records)
	case http.MethodPost:
		var rec map[string]any
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.records = append(c.records, rec)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (c *chatBackend) post(rec map[string]any) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

func (c *chatBackend) snapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.records))
	copy(out, c.records)
	return out
}

// echoRouter answers every text message with "echo: <text>" on the same
// group and session.
func echoRouter(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			in, err := router.Decode(frame)
			if err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			reply := &types.RouterMessage{
				Platform:  in.Platform,
				MessageID: types.NewMessageID(),
				Time:      time.Now(),
				Sender:    types.UserInfo{UserID: "bot"},
				Group:     in.Group,
				Segments:  []types.Segment{{Type: types.SegmentText, Data: "echo: " + in.Segments[0].Data}},
			}
			reply.SetSessionID(in.SessionID())
			out, err := router.Encode(reply)
			if err != nil {
				t.Errorf("encode: %v", err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestService_EndToEnd(t *testing.T) {
	chat := &chatBackend{}
	chat.post(map[string]any{"from_user": "alice", "text": "history", "session_id": "room"})
	httpServer := httptest.NewServer(chat)
	t.Cleanup(httpServer.Close)

	bc, err := backend.New(httpServer.URL, time.Second, nil)
	require.NoError(t, err)
	rc, err := router.New(router.Config{URL: echoRouter(t), Platform: "web", ReconnectInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	stats := &Stats{}
	poller := NewPoller(bc, rc, translate.New("web"), nil, PollerOptions{Interval: 20 * time.Millisecond, Stats: stats})
	push := NewPushHandler(bc, PushOptions{Stats: stats})
	svc := NewService(bc, rc, poller, push, stats, nil)

	errc := make(chan error, 1)
	go func() { errc <- svc.Run(context.Background()) }()
	require.Eventually(t, rc.Connected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return stats.Polls.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	chat.post(map[string]any{"from_user": "alice", "nickname": "Alice", "text": "hi bot", "type": "text", "session_id": "room"})

	require.Eventually(t, func() bool { return len(chat.snapshot()) == 3 }, 3*time.Second, 10*time.Millisecond)
	// The bot's own reply is seen by the next polls and must not bounce back.
	time.Sleep(100 * time.Millisecond)

	svc.Stop()
	require.NoError(t, <-errc)

	records := chat.snapshot()
	require.Len(t, records, 3)
	reply := records[2]
	assert.Equal(t, "maimai", reply["from_user"])
	assert.Equal(t, "echo: hi bot", reply["text"])
	assert.Equal(t, "room", reply["session_id"])
	assert.EqualValues(t, 1, stats.Forwarded.Load(), "history and echoes must not be forwarded")
	assert.GreaterOrEqual(t, stats.Skipped.Load(), int64(1))
}
