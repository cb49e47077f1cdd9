// Package translate converts between backend chat records and canonical
// router messages.
package translate

import (
	"context"
	"strings"
	"time"

	"github.com/user/chatrelay/internal/types"
)

// Skip explains why a record produced no router message.
type Skip string

const (
	SkipNone      Skip = ""
	SkipBotEcho   Skip = "bot_echo"
	SkipEmpty     Skip = "empty"
	SkipMalformed Skip = "malformed"
)

const (
	defaultUserID   = "web"
	defaultNickname = "web用户"
	groupNamePrefix = "会话"

	// jpegBase64Prefix is how base64-encoded JPEG data starts. Older
	// producers put images in text with an empty type.
	jpegBase64Prefix = "/9j"
)

// GroupResolver maps a session to its router group.
type GroupResolver func(ctx context.Context, sessionID types.SessionID) types.GroupID

// Translator holds the envelope settings shared by every translated message.
type Translator struct {
	Platform string
	Now      func() time.Time
	NewID    func() types.MessageID
}

// New returns a Translator stamping messages with platform.
func New(platform string) *Translator {
	return &Translator{
		Platform: platform,
		Now:      time.Now,
		NewID:    types.NewMessageID,
	}
}

// ToRouterMessage converts a backend record into a router message for its
// session's group. A non-empty Skip means nothing should be dispatched.
func (t *Translator) ToRouterMessage(ctx context.Context, rec types.ChatMessage, resolve GroupResolver) (*types.RouterMessage, Skip) {
	if rec.Malformed {
		return nil, SkipMalformed
	}
	if rec.IsBotEcho() {
		return nil, SkipBotEcho
	}

	// The group mapping is recorded even for records with no content.
	sessionID := rec.SessionID.OrDefault()
	groupID := types.GroupID(sessionID)
	if resolve != nil {
		groupID = resolve(ctx, sessionID)
	}

	seg, ok := selectSegment(rec)
	if !ok {
		return nil, SkipEmpty
	}

	userID := rec.FromUser
	if userID == "" {
		userID = defaultUserID
	}
	nickname := rec.Nickname
	if nickname == "" {
		nickname = defaultNickname
	}

	msg := &types.RouterMessage{
		Platform:  t.Platform,
		MessageID: t.NewID(),
		Time:      t.Now(),
		Sender: types.UserInfo{
			Platform: t.Platform,
			UserID:   userID,
			Nickname: nickname,
		},
		Group: &types.GroupInfo{
			Platform: t.Platform,
			GroupID:  groupID,
			Name:     groupNamePrefix + string(groupID),
		},
		Format: &types.FormatInfo{
			ContentFormat: []string{string(seg.Type)},
			AcceptFormat:  []string{string(types.SegmentText), string(types.SegmentImage)},
		},
		Segments: []types.Segment{seg},
	}
	if seg.Type == types.SegmentText {
		msg.RawMessage = seg.Data
	}
	msg.SetSessionID(sessionID)
	return msg, SkipNone
}

// selectSegment picks the single content segment for a record, in priority
// order: explicit image payload, image carried in text, plain text.
func selectSegment(rec types.ChatMessage) (types.Segment, bool) {
	isImage := rec.Type == types.MessageTypeImage
	switch {
	case isImage && rec.ImageB64 != "":
		return types.Segment{Type: types.SegmentImage, Data: rec.ImageB64}, true
	case (isImage || strings.HasPrefix(rec.Text, jpegBase64Prefix)) && rec.Text != "":
		return types.Segment{Type: types.SegmentImage, Data: rec.Text}, true
	case rec.Type == types.MessageTypeText || rec.Text != "":
		return types.Segment{Type: types.SegmentText, Data: rec.Text}, true
	}
	return types.Segment{}, false
}

// ToBackendRecord flattens a router message into a backend record authored
// by the bot. Text segments are concatenated in order; the first image
// segment becomes the record's image.
func ToBackendRecord(msg *types.RouterMessage) types.ChatMessage {
	rec := types.ChatMessage{
		FromUser:  types.BotUserID,
		Nickname:  types.BotUserID,
		Type:      types.MessageTypeText,
		SessionID: msg.SessionID().OrDefault(),
	}

	var text strings.Builder
	imageSeen := false
	for _, seg := range msg.Segments {
		switch {
		case seg.Type == types.SegmentText:
			text.WriteString(seg.Data)
		case seg.IsImage() && !imageSeen:
			imageSeen = true
			rec.Type = types.MessageTypeImage
			rec.ImageB64 = seg.Data
		}
	}
	rec.Text = text.String()
	return rec
}
