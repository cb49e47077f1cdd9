package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/chatrelay/internal/retry"
	"github.com/user/chatrelay/internal/translate"
	"github.com/user/chatrelay/internal/types"
)

const maxPollBackoff = 60 * time.Second

// PollerOptions configures a Poller. Zero values fall back to defaults.
type PollerOptions struct {
	Interval time.Duration
	// Backoff grows the wait after consecutive fetch failures instead of
	// retrying at the fixed interval.
	Backoff bool
	Journal types.Journal
	Stats   *Stats
	Logger  *slog.Logger
}

// Poller periodically snapshots the backend and forwards records it has
// not seen yet to the router. The cursor is the count of records already
// processed; it is owned by the polling goroutine.
type Poller struct {
	backend    types.Backend
	router     types.Router
	translator *translate.Translator
	resolve    translate.GroupResolver

	interval time.Duration
	backoff  *retry.Policy
	journal  types.Journal
	stats    *Stats
	logger   *slog.Logger

	cursor   int
	failures int
}

func NewPoller(backend types.Backend, router types.Router, tr *translate.Translator, resolve translate.GroupResolver, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Poller{
		backend:    backend,
		router:     router,
		translator: tr,
		resolve:    resolve,
		interval:   opts.Interval,
		journal:    opts.Journal,
		stats:      opts.Stats,
		logger:     opts.Logger.With("component", "poller"),
	}
	if opts.Backoff {
		p.backoff = retry.Forever(opts.Interval, max(opts.Interval, maxPollBackoff))
	}
	return p
}

// Cursor returns the number of backend records already processed.
func (p *Poller) Cursor() int {
	return p.cursor
}

// Prime sets the cursor to the current backend length so that history
// present at startup is not replayed. A failed fetch leaves the cursor at 0.
func (p *Poller) Prime(ctx context.Context) {
	msgs, err := p.backend.FetchAll(ctx)
	if err != nil {
		p.logger.Warn("priming fetch failed, history will be forwarded", "error", err)
		p.setCursor(0)
		return
	}
	p.setCursor(len(msgs))
	p.logger.Info("primed", "cursor", p.cursor)
}

// Tick runs one poll cycle and returns how many records were forwarded.
// Records past the cursor are dispatched in order; the cursor then advances
// to the snapshot length whether or not each dispatch succeeded.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	p.stats.Polls.Add(1)
	p.stats.markPoll(time.Now())

	msgs, err := p.backend.FetchAll(ctx)
	if err != nil {
		p.stats.FetchFailures.Add(1)
		return 0, err
	}

	if p.cursor < 0 || p.cursor > len(msgs) {
		p.logger.Warn("cursor out of range, resetting", "cursor", p.cursor, "length", len(msgs))
		p.stats.CursorResets.Add(1)
		p.setCursor(0)
	}

	forwarded := 0
	for _, rec := range msgs[p.cursor:] {
		if p.dispatch(ctx, rec) {
			forwarded++
		}
	}
	p.setCursor(len(msgs))
	return forwarded, nil
}

func (p *Poller) setCursor(n int) {
	p.cursor = n
	p.stats.Cursor.Store(int64(n))
}

// dispatch translates and sends one record. It reports whether the record
// reached the router.
func (p *Poller) dispatch(ctx context.Context, rec types.ChatMessage) bool {
	sessionID := rec.SessionID.OrDefault()
	msg, skip := p.translator.ToRouterMessage(ctx, rec, p.resolve)
	if skip != translate.SkipNone {
		p.stats.Skipped.Add(1)
		level := slog.LevelDebug
		if skip == translate.SkipEmpty || skip == translate.SkipMalformed {
			level = slog.LevelWarn
		}
		p.logger.Log(ctx, level, "record skipped", "session_id", sessionID, "reason", string(skip))
		record(ctx, p.journal, p.logger, &types.JournalEntry{
			SessionID: sessionID,
			Direction: types.DirectionToRouter,
			Status:    types.StatusSkipped,
			Reason:    string(skip),
			Preview:   rec.Text,
		})
		return false
	}

	if err := p.router.Send(ctx, msg); err != nil {
		p.stats.DispatchFailures.Add(1)
		p.logger.Error("forward to router failed", "session_id", sessionID, "message_id", msg.MessageID, "error", err)
		record(ctx, p.journal, p.logger, &types.JournalEntry{
			SessionID: sessionID,
			Direction: types.DirectionToRouter,
			Status:    types.StatusFailed,
			MessageID: msg.MessageID,
			Reason:    err.Error(),
			Preview:   rec.Text,
		})
		return false
	}

	p.stats.Forwarded.Add(1)
	p.logger.Debug("forwarded", "session_id", sessionID, "message_id", msg.MessageID)
	record(ctx, p.journal, p.logger, &types.JournalEntry{
		SessionID: sessionID,
		Direction: types.DirectionToRouter,
		Status:    types.StatusRelayed,
		MessageID: msg.MessageID,
		Preview:   rec.Text,
	})
	return true
}

// Run primes the cursor and then polls until ctx is cancelled. Ticks start
// one interval apart; after a failed fetch the full interval (or the backoff
// delay) is waited again. Cancellation is observed between ticks; a tick in
// progress runs to completion.
func (p *Poller) Run(ctx context.Context) error {
	p.stats.markStarted(time.Now())
	work := context.WithoutCancel(ctx)

	p.Prime(work)
	wait := p.interval
	for {
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil
		}
		wait = p.interval
		start := time.Now()
		if _, err := p.Tick(work); err != nil {
			// The backend client has already logged the failure.
			p.failures++
			if p.backoff != nil {
				wait = p.backoff.NextDelay(p.failures)
			}
			p.logger.Debug("poll failed", "attempt", p.failures, "next", wait)
			continue
		}
		p.failures = 0
		wait -= time.Since(start)
	}
}
