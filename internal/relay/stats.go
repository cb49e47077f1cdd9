package relay

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats counts relay activity in both directions. All fields are safe for
// concurrent use.
type Stats struct {
	Polls            atomic.Int64
	FetchFailures    atomic.Int64
	CursorResets     atomic.Int64
	Forwarded        atomic.Int64
	Skipped          atomic.Int64
	DispatchFailures atomic.Int64

	Received       atomic.Int64
	Appended       atomic.Int64
	AppendFailures atomic.Int64
	Dropped        atomic.Int64

	Cursor   atomic.Int64
	lastPoll atomic.Int64
	started  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Polls            int64     `json:"polls"`
	FetchFailures    int64     `json:"fetch_failures"`
	CursorResets     int64     `json:"cursor_resets"`
	Forwarded        int64     `json:"forwarded"`
	Skipped          int64     `json:"skipped"`
	DispatchFailures int64     `json:"dispatch_failures"`
	Received         int64     `json:"received"`
	Appended         int64     `json:"appended"`
	AppendFailures   int64     `json:"append_failures"`
	Dropped          int64     `json:"dropped"`
	Cursor           int64     `json:"cursor"`
	LastPoll         time.Time `json:"last_poll,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
}

func (s *Stats) markPoll(at time.Time) {
	s.lastPoll.Store(at.UnixNano())
}

func (s *Stats) markStarted(at time.Time) {
	s.started.CompareAndSwap(0, at.UnixNano())
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Polls:            s.Polls.Load(),
		FetchFailures:    s.FetchFailures.Load(),
		CursorResets:     s.CursorResets.Load(),
		Forwarded:        s.Forwarded.Load(),
		Skipped:          s.Skipped.Load(),
		DispatchFailures: s.DispatchFailures.Load(),
		Received:         s.Received.Load(),
		Appended:         s.Appended.Load(),
		AppendFailures:   s.AppendFailures.Load(),
		Dropped:          s.Dropped.Load(),
		Cursor:           s.Cursor.Load(),
	}
	if ns := s.lastPoll.Load(); ns != 0 {
		snap.LastPoll = time.Unix(0, ns)
	}
	if ns := s.started.Load(); ns != 0 {
		snap.StartedAt = time.Unix(0, ns)
	}
	return snap
}

// LogValue groups the counters for structured logging.
func (s StatsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("polls", s.Polls),
		slog.Int64("forwarded", s.Forwarded),
		slog.Int64("skipped", s.Skipped),
		slog.Int64("dispatch_failures", s.DispatchFailures),
		slog.Int64("fetch_failures", s.FetchFailures),
		slog.Int64("cursor_resets", s.CursorResets),
		slog.Int64("received", s.Received),
		slog.Int64("appended", s.Appended),
		slog.Int64("append_failures", s.AppendFailures),
		slog.Int64("dropped", s.Dropped),
		slog.Int64("cursor", s.Cursor),
	)
}
