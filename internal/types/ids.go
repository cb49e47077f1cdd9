// internal/types/ids.go
package types

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string
type GroupID string
type MessageID string

// DefaultSessionID is used whenever a record or message carries no session.
const DefaultSessionID SessionID = "default"

// NewMessageID returns a time-ordered identifier. UUIDv7 embeds the clock in
// its leading bits so ids sort by creation time.
func NewMessageID() MessageID {
	id, err := uuid.NewV7()
	if err != nil {
		return MessageID(uuid.New().String())
	}
	return MessageID(id.String())
}

// MessageTime extracts the creation time from an id produced by NewMessageID.
func MessageTime(id MessageID) (time.Time, bool) {
	u, err := uuid.Parse(string(id))
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// OrDefault returns id, or DefaultSessionID when id is empty.
func (id SessionID) OrDefault() SessionID {
	if id == "" {
		return DefaultSessionID
	}
	return id
}
