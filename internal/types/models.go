// internal/types/models.go
package types

import (
	"strings"
	"time"
)

// BotUserID is the from_user reserved for messages the relay writes back to
// the backend. Records carrying it are never forwarded to the router.
const BotUserID = "maimai"

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
)

// ChatMessage is a single record in the web-chat backend store.
type ChatMessage struct {
	FromUser  string    `json:"from_user"`
	Nickname  string    `json:"nickname,omitempty"`
	Text      string    `json:"text"`
	Type      string    `json:"type,omitempty"`
	ImageB64  string    `json:"image_b64,omitempty"`
	SessionID SessionID `json:"session_id,omitempty"`
	CreatedAt string    `json:"created_at,omitempty"`

	// Malformed marks a list element that could not be decoded as a record.
	// It keeps its slot so list positions stay aligned with the poll cursor.
	Malformed bool `json:"-"`
}

// IsBotEcho reports whether the record was written by the relay itself.
func (m ChatMessage) IsBotEcho() bool {
	return m.FromUser == BotUserID || m.Nickname == BotUserID
}

// IsEmpty reports whether the record carries no content at all.
func (m ChatMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && m.ImageB64 == ""
}

type SegmentType string

const (
	SegmentText  SegmentType = "text"
	SegmentImage SegmentType = "image"
	SegmentEmoji SegmentType = "emoji"
)

// Segment is one leaf chunk of a router message.
type Segment struct {
	Type SegmentType `json:"type"`
	Data string      `json:"data"`
}

// IsImage reports whether the segment carries base64 image data.
func (s Segment) IsImage() bool {
	return s.Type == SegmentImage || s.Type == SegmentEmoji
}

type UserInfo struct {
	Platform string `json:"platform,omitempty"`
	UserID   string `json:"user_id"`
	Nickname string `json:"user_nickname,omitempty"`
	Cardname string `json:"user_cardname,omitempty"`
}

type GroupInfo struct {
	Platform string  `json:"platform,omitempty"`
	GroupID  GroupID `json:"group_id"`
	Name     string  `json:"group_name,omitempty"`
}

type FormatInfo struct {
	ContentFormat []string `json:"content_format,omitempty"`
	AcceptFormat  []string `json:"accept_format,omitempty"`
}

// RouterMessage is the canonical form of a bot-router message. Wire formats
// are converted to and from it at the transport boundary only.
type RouterMessage struct {
	Platform   string            `json:"platform"`
	MessageID  MessageID         `json:"message_id"`
	Time       time.Time         `json:"time"`
	Sender     UserInfo          `json:"sender"`
	Group      *GroupInfo        `json:"group,omitempty"`
	Format     *FormatInfo       `json:"format,omitempty"`
	Segments   []Segment         `json:"segments"`
	RawMessage string            `json:"raw_message,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// ExtraSessionKey is the extension key carrying the originating session.
const ExtraSessionKey = "session_id"

// SessionID returns the session recorded in the extension map, if any.
func (m *RouterMessage) SessionID() SessionID {
	if m.Extra == nil {
		return ""
	}
	return SessionID(m.Extra[ExtraSessionKey])
}

// SetSessionID records the session in the extension map.
func (m *RouterMessage) SetSessionID(id SessionID) {
	if m.Extra == nil {
		m.Extra = make(map[string]string)
	}
	m.Extra[ExtraSessionKey] = string(id)
}

// GroupMapping is a persisted session to group association.
type GroupMapping struct {
	SessionID SessionID `json:"session_id"`
	GroupID   GroupID   `json:"group_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Direction string

const (
	DirectionToRouter  Direction = "to_router"
	DirectionToBackend Direction = "to_backend"
)

type RelayStatus string

const (
	StatusRelayed RelayStatus = "relayed"
	StatusSkipped RelayStatus = "skipped"
	StatusFailed  RelayStatus = "failed"
)

// JournalEntry records the outcome of relaying one message.
type JournalEntry struct {
	Seq       int64       `json:"seq"`
	SessionID SessionID   `json:"session_id"`
	Direction Direction   `json:"direction"`
	Status    RelayStatus `json:"status"`
	MessageID MessageID   `json:"message_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Preview   string      `json:"preview,omitempty"`
	At        time.Time   `json:"at"`
}
