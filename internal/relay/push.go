package relay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/user/chatrelay/internal/translate"
	"github.com/user/chatrelay/internal/types"
)

// SessionLookup maps a router group back to the session that owns it.
type SessionLookup func(ctx context.Context, groupID types.GroupID) (types.SessionID, bool)

// PushOptions configures a PushHandler.
type PushOptions struct {
	MaxConcurrent int64
	// DropEmpty discards inbound messages with neither text nor image.
	DropEmpty bool
	// SessionOf, when set, recovers the session from the message group if
	// the router did not echo a session id.
	SessionOf SessionLookup
	Journal   types.Journal
	Stats     *Stats
	Logger    *slog.Logger
}

// PushHandler appends router messages to the backend. Messages are queued
// per session so that one session's replies keep their order while
// different sessions proceed concurrently.
type PushHandler struct {
	backend   types.Backend
	queue     *Queue
	dropEmpty bool
	sessionOf SessionLookup
	journal   types.Journal
	stats     *Stats
	logger    *slog.Logger
}

func NewPushHandler(backend types.Backend, opts PushOptions) *PushHandler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "push")
	h := &PushHandler{
		backend:   backend,
		queue:     NewQueue(opts.MaxConcurrent, logger),
		dropEmpty: opts.DropEmpty,
		sessionOf: opts.SessionOf,
		journal:   opts.Journal,
		stats:     opts.Stats,
		logger:    logger,
	}
	h.queue.SetProcessor(func(ctx context.Context, job *Job) {
		h.Process(ctx, job.Message)
	})
	return h
}

// Start begins draining queued messages. Jobs run under ctx.
func (h *PushHandler) Start(ctx context.Context) {
	h.queue.Start(ctx)
}

// Stop cancels queued work and waits for running appends to return.
func (h *PushHandler) Stop() {
	h.queue.Stop()
}

// WaitIdle blocks until the queue drains or timeout passes.
func (h *PushHandler) WaitIdle(timeout time.Duration) bool {
	return h.queue.WaitIdle(timeout)
}

// Handle is registered with the router client. It never blocks on the
// backend: the message is queued and Handle returns.
func (h *PushHandler) Handle(ctx context.Context, msg *types.RouterMessage) {
	if msg == nil {
		return
	}
	h.stats.Received.Add(1)

	sessionID := h.sessionFor(ctx, msg)
	job := &Job{SessionID: sessionID, Message: msg, Received: time.Now()}
	if err := h.queue.Enqueue(job); err != nil {
		h.stats.Dropped.Add(1)
		h.logger.Error("inbound message dropped", "session_id", sessionID, "message_id", msg.MessageID, "error", err)
		record(ctx, h.journal, h.logger, &types.JournalEntry{
			SessionID: sessionID,
			Direction: types.DirectionToBackend,
			Status:    types.StatusFailed,
			MessageID: msg.MessageID,
			Reason:    err.Error(),
		})
	}
}

// sessionFor returns the session the message belongs to, recovering it from
// the group when enabled. The recovered id is written back into the message.
func (h *PushHandler) sessionFor(ctx context.Context, msg *types.RouterMessage) types.SessionID {
	if sid := msg.SessionID(); sid != "" {
		return sid
	}
	if h.sessionOf != nil && msg.Group != nil && msg.Group.GroupID != "" {
		if sid, ok := h.sessionOf(ctx, msg.Group.GroupID); ok {
			msg.SetSessionID(sid)
			return sid
		}
	}
	return types.DefaultSessionID
}

// Process converts one router message and appends it to the backend. Failures
// are logged and counted; the message is not retried.
func (h *PushHandler) Process(ctx context.Context, msg *types.RouterMessage) {
	rec := translate.ToBackendRecord(msg)

	if h.dropEmpty && rec.IsEmpty() {
		h.stats.Skipped.Add(1)
		h.logger.Debug("empty inbound message dropped", "session_id", rec.SessionID, "message_id", msg.MessageID)
		record(ctx, h.journal, h.logger, &types.JournalEntry{
			SessionID: rec.SessionID,
			Direction: types.DirectionToBackend,
			Status:    types.StatusSkipped,
			MessageID: msg.MessageID,
			Reason:    string(translate.SkipEmpty),
		})
		return
	}

	if err := h.backend.Append(ctx, rec); err != nil {
		h.stats.AppendFailures.Add(1)
		record(ctx, h.journal, h.logger, &types.JournalEntry{
			SessionID: rec.SessionID,
			Direction: types.DirectionToBackend,
			Status:    types.StatusFailed,
			MessageID: msg.MessageID,
			Reason:    err.Error(),
			Preview:   previewOf(rec),
		})
		return
	}

	h.stats.Appended.Add(1)
	h.logger.Debug("appended", "session_id", rec.SessionID, "message_id", msg.MessageID)
	record(ctx, h.journal, h.logger, &types.JournalEntry{
		SessionID: rec.SessionID,
		Direction: types.DirectionToBackend,
		Status:    types.StatusRelayed,
		MessageID: msg.MessageID,
		Preview:   previewOf(rec),
	})
}

func previewOf(rec types.ChatMessage) string {
	if strings.TrimSpace(rec.Text) == "" && rec.ImageB64 != "" {
		return "[image]"
	}
	return rec.Text
}
