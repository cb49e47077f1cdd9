package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/chatrelay/internal/state"
	"github.com/user/chatrelay/internal/types"
)

const previewLen = 80

// record appends an outcome to the journal. Journal failures never affect
// relaying; they are logged and dropped.
func record(ctx context.Context, j types.Journal, logger *slog.Logger, entry *types.JournalEntry) {
	if j == nil {
		return
	}
	entry.SessionID = entry.SessionID.OrDefault()
	entry.Preview = state.Preview(entry.Preview, previewLen)
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if err := j.Append(ctx, entry); err != nil {
		logger.Warn("journal append failed", "session_id", entry.SessionID, "error", err)
	}
}
