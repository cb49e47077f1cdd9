package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/user/chatrelay/internal/router"
	"github.com/user/chatrelay/internal/types"
)

type fakeBackend struct {
	mu        sync.Mutex
	records   []types.ChatMessage
	appended  []types.ChatMessage
	fetchErr  error
	appendErr error
	fetches   int
	closed    bool
}

func (b *fakeBackend) FetchAll(ctx context.Context) ([]types.ChatMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	out := make([]types.ChatMessage, len(b.records))
	copy(out, b.records)
	return out, nil
}

func (b *fakeBackend) Append(ctx context.Context, msg types.ChatMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		return b.appendErr
	}
	b.appended = append(b.appended, msg)
	return nil
}

func (b *fakeBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *fakeBackend) add(recs ...types.ChatMessage) {
	b.mu.Lock()
	b.records = append(b.records, recs...)
	b.mu.Unlock()
}

func (b *fakeBackend) set(recs ...types.ChatMessage) {
	b.mu.Lock()
	b.records = recs
	b.mu.Unlock()
}

func (b *fakeBackend) setFetchErr(err error) {
	b.mu.Lock()
	b.fetchErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) appendedCopy() []types.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.ChatMessage, len(b.appended))
	copy(out, b.appended)
	return out
}

// fakeTransport records sent messages and lets tests inject inbound ones.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*types.RouterMessage
	sendErr error
	handler router.Handler
	runErr  error
	running bool
	closed  bool
	started chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{started: make(chan struct{})}
}

func (f *fakeTransport) Send(ctx context.Context, msg *types.RouterMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) RegisterHandler(h router.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Run(ctx context.Context) error {
	f.mu.Lock()
	f.running = true
	err := f.runErr
	f.mu.Unlock()
	close(f.started)
	if err != nil {
		return err
	}
	<-ctx.Done()
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) deliver(ctx context.Context, msg *types.RouterMessage) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ctx, msg)
	}
}

func (f *fakeTransport) sentCopy() []*types.RouterMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.RouterMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

var errBoom = errors.New("boom")

func userMsg(session, text string) types.ChatMessage {
	return types.ChatMessage{
		FromUser:  "alice",
		Nickname:  "Alice",
		Text:      text,
		Type:      types.MessageTypeText,
		SessionID: types.SessionID(session),
	}
}

func botMsg(session, text string) types.ChatMessage {
	return types.ChatMessage{
		FromUser:  types.BotUserID,
		Nickname:  types.BotUserID,
		Text:      text,
		Type:      types.MessageTypeText,
		SessionID: types.SessionID(session),
	}
}
