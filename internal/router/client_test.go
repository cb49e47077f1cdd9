package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatrelay/internal/types"
)

// fakeRouter is a websocket endpoint that records handshake headers and
// frames, and can push frames to the connected client.
type fakeRouter struct {
	t        *testing.T
	upgrader websocket.Upgrader
	status   int

	mu       sync.Mutex
	headers  http.Header
	frames   [][]byte
	conns    chan *websocket.Conn
	accepted int
}

func newFakeRouter(t *testing.T) (*fakeRouter, string) {
	t.Helper()
	fr := &fakeRouter{t: t, conns: make(chan *websocket.Conn, 4)}
	server := httptest.NewServer(fr)
	t.Cleanup(server.Close)
	return fr, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func (f *fakeRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.status != 0 {
		http.Error(w, "denied", f.status)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	f.mu.Lock()
	f.headers = r.Header.Clone()
	f.accepted++
	f.mu.Unlock()
	f.conns <- conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.frames = append(f.frames, data)
		f.mu.Unlock()
	}
}

func (f *fakeRouter) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestClient_SendAndReceive(t *testing.T) {
	fr, url := newFakeRouter(t)

	client, err := New(Config{URL: url, Platform: "web_adapter", Token: "tok", ReconnectInterval: time.Second}, nil)
	require.NoError(t, err)

	received := make(chan *types.RouterMessage, 1)
	client.RegisterHandler(func(_ context.Context, msg *types.RouterMessage) {
		received <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-fr.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
	waitFor(t, client.Connected)

	fr.mu.Lock()
	assert.Equal(t, "web_adapter", fr.headers.Get("platform"))
	assert.Equal(t, "tok", fr.headers.Get("Authorization"))
	fr.mu.Unlock()

	// Outbound
	out := &types.RouterMessage{Platform: "web_adapter", MessageID: "m1", Segments: []types.Segment{{Type: types.SegmentText, Data: "hi"}}}
	require.NoError(t, client.Send(context.Background(), out))
	waitFor(t, func() bool { return fr.frameCount() == 1 })

	// Inbound
	frame := `{"message_info":{"platform":"web_adapter","message_id":"r1"},"message_segment":{"type":"text","data":"reply"}}`
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte("garbage")))

	select {
	case msg := <-received:
		assert.Equal(t, types.MessageID("r1"), msg.MessageID)
		assert.Equal(t, "reply", msg.Segments[0].Data)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, client.Connected())
}

func TestClient_SendNotConnected(t *testing.T) {
	client, err := New(Config{URL: "ws://127.0.0.1:1/ws", Platform: "p"}, nil)
	require.NoError(t, err)

	err = client.Send(context.Background(), &types.RouterMessage{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_ReconnectDisabledIsFatal(t *testing.T) {
	client, err := New(Config{URL: "ws://127.0.0.1:1/ws", Platform: "p"}, nil)
	require.NoError(t, err)

	err = client.Run(context.Background())
	assert.Error(t, err)
}

func TestClient_UnauthorizedIsFatal(t *testing.T) {
	fr, url := newFakeRouter(t)
	fr.status = http.StatusUnauthorized

	client, err := New(Config{URL: url, Platform: "p", ReconnectInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = client.Run(ctx)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "status 401")
}

func TestClient_ForbiddenIsFatal(t *testing.T) {
	fr, url := newFakeRouter(t)
	fr.status = http.StatusForbidden

	client, err := New(Config{URL: url, Platform: "p", ReconnectInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorIs(t, client.Run(ctx), ErrRejected)
}

func TestClient_ReconnectsAfterCloseWithReason(t *testing.T) {
	fr, url := newFakeRouter(t)

	client, err := New(Config{URL: url, Platform: "p", ReconnectInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	first := <-fr.conns
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid message, unauthorized sender")
	require.NoError(t, first.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	first.Close()

	select {
	case <-fr.conns:
	case err := <-done:
		t.Fatalf("client gave up instead of reconnecting: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestClient_Reconnects(t *testing.T) {
	fr, url := newFakeRouter(t)

	client, err := New(Config{URL: url, Platform: "p", ReconnectInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	first := <-fr.conns
	first.Close()

	select {
	case <-fr.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	fr.mu.Lock()
	assert.Equal(t, 2, fr.accepted)
	fr.mu.Unlock()
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{URL: "http://host/ws", Platform: "p"}, nil)
	assert.Error(t, err)
	_, err = New(Config{URL: "ws://host/ws"}, nil)
	assert.Error(t, err)
}
