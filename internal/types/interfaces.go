// internal/types/interfaces.go
package types

import "context"

// GroupStore persists session to group mappings.
type GroupStore interface {
	// GetOrCreate returns the stored group for sessionID, inserting groupID
	// first if no mapping exists. The insert is atomic: concurrent callers
	// for the same session all observe the same stored value.
	GetOrCreate(ctx context.Context, sessionID SessionID, groupID GroupID) (GroupID, error)
	SessionOf(ctx context.Context, groupID GroupID) (SessionID, bool, error)
	List(ctx context.Context) ([]*GroupMapping, error)
	Delete(ctx context.Context, sessionID SessionID) error
	Close() error
}

// Journal is an append-only per-session log of relay outcomes.
type Journal interface {
	Append(ctx context.Context, entry *JournalEntry) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*JournalEntry, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}

// Backend is the web-chat message store.
type Backend interface {
	FetchAll(ctx context.Context) ([]ChatMessage, error)
	Append(ctx context.Context, msg ChatMessage) error
}

// Router is the outbound side of the bot-messaging router.
type Router interface {
	Send(ctx context.Context, msg *RouterMessage) error
}
