package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatrelay/internal/state"
	"github.com/user/chatrelay/internal/types"
)

func startPush(t *testing.T, b *fakeBackend, opts PushOptions) *PushHandler {
	t.Helper()
	h := NewPushHandler(b, opts)
	h.Start(context.Background())
	t.Cleanup(h.Stop)
	return h
}

func TestPushHandler_AppendsBotRecord(t *testing.T) {
	b := &fakeBackend{}
	stats := &Stats{}
	h := startPush(t, b, PushOptions{Stats: stats})

	msg := routerMsg("s1", "hello ")
	msg.Segments = append(msg.Segments, types.Segment{Type: types.SegmentText, Data: "there"})
	h.Handle(context.Background(), msg)
	require.True(t, h.WaitIdle(2*time.Second))

	got := b.appendedCopy()
	require.Len(t, got, 1)
	assert.Equal(t, "hello there", got[0].Text)
	assert.Equal(t, types.BotUserID, got[0].FromUser)
	assert.Equal(t, types.BotUserID, got[0].Nickname)
	assert.Equal(t, types.SessionID("s1"), got[0].SessionID)
	assert.EqualValues(t, 1, stats.Received.Load())
	assert.EqualValues(t, 1, stats.Appended.Load())
}

func TestPushHandler_MissingSessionDefaults(t *testing.T) {
	b := &fakeBackend{}
	h := startPush(t, b, PushOptions{})

	h.Handle(context.Background(), routerMsg("", "hi"))
	require.True(t, h.WaitIdle(2*time.Second))

	got := b.appendedCopy()
	require.Len(t, got, 1)
	assert.Equal(t, types.DefaultSessionID, got[0].SessionID)
}

func TestPushHandler_ImageSegment(t *testing.T) {
	b := &fakeBackend{}
	h := startPush(t, b, PushOptions{})

	msg := routerMsg("s1", "look")
	msg.Segments = append(msg.Segments,
		types.Segment{Type: types.SegmentImage, Data: "first"},
		types.Segment{Type: types.SegmentImage, Data: "second"})
	h.Handle(context.Background(), msg)
	require.True(t, h.WaitIdle(2*time.Second))

	got := b.appendedCopy()
	require.Len(t, got, 1)
	assert.Equal(t, types.MessageTypeImage, got[0].Type)
	assert.Equal(t, "first", got[0].ImageB64)
	assert.Equal(t, "look", got[0].Text)
}

func TestPushHandler_PerSessionOrder(t *testing.T) {
	b := &fakeBackend{}
	h := startPush(t, b, PushOptions{MaxConcurrent: 4})

	for i := 0; i < 20; i++ {
		h.Handle(context.Background(), routerMsg("s1", fmt.Sprintf("m%02d", i)))
	}
	require.True(t, h.WaitIdle(2*time.Second))

	got := b.appendedCopy()
	require.Len(t, got, 20)
	for i, rec := range got {
		assert.Equal(t, fmt.Sprintf("m%02d", i), rec.Text)
	}
}

func TestPushHandler_EmptyForwardedByDefault(t *testing.T) {
	b := &fakeBackend{}
	h := startPush(t, b, PushOptions{})

	h.Handle(context.Background(), &types.RouterMessage{Extra: map[string]string{"session_id": "s1"}})
	require.True(t, h.WaitIdle(2*time.Second))
	require.Len(t, b.appendedCopy(), 1)
	assert.Equal(t, "", b.appendedCopy()[0].Text)
}

func TestPushHandler_DropEmpty(t *testing.T) {
	b := &fakeBackend{}
	stats := &Stats{}
	h := startPush(t, b, PushOptions{DropEmpty: true, Stats: stats})

	h.Handle(context.Background(), &types.RouterMessage{Extra: map[string]string{"session_id": "s1"}})
	h.Handle(context.Background(), routerMsg("s1", "kept"))
	require.True(t, h.WaitIdle(2*time.Second))

	got := b.appendedCopy()
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Text)
	assert.EqualValues(t, 1, stats.Skipped.Load())
}

func TestPushHandler_SessionFromGroup(t *testing.T) {
	b := &fakeBackend{}
	lookup := func(ctx context.Context, gid types.GroupID) (types.SessionID, bool) {
		if gid == "g-7" {
			return "room-7", true
		}
		return "", false
	}
	h := startPush(t, b, PushOptions{SessionOf: lookup})

	known := routerMsg("", "found")
	known.Group = &types.GroupInfo{GroupID: "g-7"}
	unknown := routerMsg("", "lost")
	unknown.Group = &types.GroupInfo{GroupID: "g-8"}
	explicit := routerMsg("mine", "explicit")
	explicit.Group = &types.GroupInfo{GroupID: "g-7"}

	ctx := context.Background()
	h.Handle(ctx, known)
	h.Handle(ctx, unknown)
	h.Handle(ctx, explicit)
	require.True(t, h.WaitIdle(2*time.Second))

	sessions := map[string]types.SessionID{}
	for _, rec := range b.appendedCopy() {
		sessions[rec.Text] = rec.SessionID
	}
	assert.Equal(t, types.SessionID("room-7"), sessions["found"])
	assert.Equal(t, types.DefaultSessionID, sessions["lost"])
	assert.Equal(t, types.SessionID("mine"), sessions["explicit"])
}

func TestPushHandler_AppendFailureCounted(t *testing.T) {
	b := &fakeBackend{appendErr: errBoom}
	stats := &Stats{}
	journal := state.NewJournal(t.TempDir())
	h := startPush(t, b, PushOptions{Stats: stats, Journal: journal})

	h.Handle(context.Background(), routerMsg("s1", "nope"))
	require.True(t, h.WaitIdle(2*time.Second))

	assert.EqualValues(t, 1, stats.AppendFailures.Load())
	assert.EqualValues(t, 0, stats.Appended.Load())

	entries, err := journal.Tail(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.StatusFailed, entries[0].Status)
	assert.Equal(t, types.DirectionToBackend, entries[0].Direction)
	assert.Contains(t, entries[0].Reason, "boom")
}

func TestPushHandler_StoppedDrops(t *testing.T) {
	b := &fakeBackend{}
	stats := &Stats{}
	h := NewPushHandler(b, PushOptions{Stats: stats})
	h.Start(context.Background())
	h.Stop()

	h.Handle(context.Background(), routerMsg("s1", "late"))
	assert.EqualValues(t, 1, stats.Dropped.Load())
	assert.Empty(t, b.appendedCopy())
}

func TestPushHandler_ProcessSynchronous(t *testing.T) {
	b := &fakeBackend{}
	h := NewPushHandler(b, PushOptions{})
	h.Process(context.Background(), routerMsg("s1", "direct"))

	got := b.appendedCopy()
	require.Len(t, got, 1)
	assert.Equal(t, "direct", got[0].Text)
}
