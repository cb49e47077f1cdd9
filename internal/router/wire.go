package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/user/chatrelay/internal/types"
)

// ErrMalformedFrame is returned for frames that are not router messages.
var ErrMalformedFrame = errors.New("malformed router frame")

const segList = "seglist"

// wireMessage is the router's JSON message shape.
type wireMessage struct {
	MessageInfo    *wireInfo                  `json:"message_info"`
	MessageSegment *wireSegment               `json:"message_segment"`
	RawMessage     string                     `json:"raw_message,omitempty"`
	Extra          map[string]json.RawMessage `json:"extra,omitempty"`
}

// envelope wraps a message in some router builds ({"type": ..., "payload": {...}}).
type envelope struct {
	Payload json.RawMessage `json:"payload"`
}

type wireInfo struct {
	Platform         string            `json:"platform"`
	MessageID        flexString        `json:"message_id"`
	Time             float64           `json:"time"`
	UserInfo         *wireUser         `json:"user_info,omitempty"`
	GroupInfo        *wireGroup        `json:"group_info,omitempty"`
	FormatInfo       *types.FormatInfo `json:"format_info,omitempty"`
	AdditionalConfig map[string]any    `json:"additional_config,omitempty"`
}

type wireUser struct {
	Platform     string     `json:"platform,omitempty"`
	UserID       flexString `json:"user_id"`
	UserNickname string     `json:"user_nickname,omitempty"`
	UserCardname string     `json:"user_cardname,omitempty"`
}

type wireGroup struct {
	Platform  string     `json:"platform,omitempty"`
	GroupID   flexString `json:"group_id"`
	GroupName string     `json:"group_name,omitempty"`
}

type wireSegment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// flexString accepts a JSON string, number or null. Router peers are not
// consistent about numeric ids.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// Encode converts a canonical message into a router frame. Segments are
// always wrapped in a seglist.
func Encode(msg *types.RouterMessage) ([]byte, error) {
	segs := make([]wireSegment, 0, len(msg.Segments))
	for _, s := range msg.Segments {
		data, err := json.Marshal(s.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal segment: %w", err)
		}
		segs = append(segs, wireSegment{Type: string(s.Type), Data: data})
	}
	list, err := json.Marshal(segs)
	if err != nil {
		return nil, fmt.Errorf("marshal seglist: %w", err)
	}

	info := &wireInfo{
		Platform:   msg.Platform,
		MessageID:  flexString(msg.MessageID),
		FormatInfo: msg.Format,
		UserInfo: &wireUser{
			Platform:     msg.Sender.Platform,
			UserID:       flexString(msg.Sender.UserID),
			UserNickname: msg.Sender.Nickname,
			UserCardname: msg.Sender.Cardname,
		},
	}
	if !msg.Time.IsZero() {
		info.Time = float64(msg.Time.UnixNano()) / float64(time.Second)
	}
	if msg.Group != nil {
		info.GroupInfo = &wireGroup{
			Platform:  msg.Group.Platform,
			GroupID:   flexString(msg.Group.GroupID),
			GroupName: msg.Group.Name,
		}
	}
	// Peers that drop unknown top-level keys still carry additional_config.
	if sid := msg.SessionID(); sid != "" {
		info.AdditionalConfig = map[string]any{types.ExtraSessionKey: string(sid)}
	}

	var extra map[string]json.RawMessage
	for k, v := range msg.Extra {
		if extra == nil {
			extra = make(map[string]json.RawMessage, len(msg.Extra))
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal extra %s: %w", k, err)
		}
		extra[k] = raw
	}

	return json.Marshal(wireMessage{
		MessageInfo:    info,
		MessageSegment: &wireSegment{Type: segList, Data: list},
		RawMessage:     msg.RawMessage,
		Extra:          extra,
	})
}

// Decode normalises a router frame into the canonical message. It accepts a
// bare message or one wrapped in a payload envelope, a single segment or a
// (nested) seglist, and string or numeric ids.
func Decode(frame []byte) (*types.RouterMessage, error) {
	var wm wireMessage
	if err := json.Unmarshal(frame, &wm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if wm.MessageInfo == nil {
		var env envelope
		if err := json.Unmarshal(frame, &env); err == nil && len(env.Payload) > 0 && string(env.Payload) != "null" {
			return Decode(env.Payload)
		}
		return nil, fmt.Errorf("%w: missing message_info", ErrMalformedFrame)
	}

	info := wm.MessageInfo
	msg := &types.RouterMessage{
		Platform:   info.Platform,
		MessageID:  types.MessageID(info.MessageID),
		Format:     info.FormatInfo,
		RawMessage: wm.RawMessage,
	}
	if info.Time > 0 {
		sec, frac := math.Modf(info.Time)
		msg.Time = time.Unix(int64(sec), int64(frac*float64(time.Second)))
	}
	if info.UserInfo != nil {
		msg.Sender = types.UserInfo{
			Platform: info.UserInfo.Platform,
			UserID:   string(info.UserInfo.UserID),
			Nickname: info.UserInfo.UserNickname,
			Cardname: info.UserInfo.UserCardname,
		}
	}
	if info.GroupInfo != nil {
		msg.Group = &types.GroupInfo{
			Platform: info.GroupInfo.Platform,
			GroupID:  types.GroupID(info.GroupInfo.GroupID),
			Name:     info.GroupInfo.GroupName,
		}
	}

	// extra is opaque: strings are kept as-is, other values as their JSON text.
	for k, raw := range wm.Extra {
		v, ok := rawText(raw)
		if !ok {
			continue
		}
		if msg.Extra == nil {
			msg.Extra = make(map[string]string, len(wm.Extra))
		}
		msg.Extra[k] = v
	}
	if msg.SessionID() == "" {
		if sid, ok := info.AdditionalConfig[types.ExtraSessionKey]; ok {
			msg.SetSessionID(types.SessionID(stringify(sid)))
		}
	}

	if wm.MessageSegment != nil {
		segs, err := flatten(*wm.MessageSegment, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		msg.Segments = segs
	}
	return msg, nil
}

const maxSegmentDepth = 16

// flatten returns the leaf segments of seg in order.
func flatten(seg wireSegment, depth int) ([]types.Segment, error) {
	if depth > maxSegmentDepth {
		return nil, errors.New("segment nesting too deep")
	}
	data := bytes.TrimSpace(seg.Data)

	if seg.Type == segList || (len(data) > 0 && data[0] == '[') {
		var children []wireSegment
		if err := json.Unmarshal(data, &children); err != nil {
			return nil, fmt.Errorf("decode seglist: %w", err)
		}
		var out []types.Segment
		for _, child := range children {
			leaves, err := flatten(child, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, leaves...)
		}
		return out, nil
	}

	leaf := types.Segment{Type: types.SegmentType(seg.Type)}
	switch {
	case len(data) == 0 || string(data) == "null":
	case data[0] == '"':
		if err := json.Unmarshal(data, &leaf.Data); err != nil {
			return nil, fmt.Errorf("decode %s segment: %w", seg.Type, err)
		}
	default:
		// Structured payloads (reply, at, ...) are kept as raw JSON.
		leaf.Data = string(data)
	}
	return []types.Segment{leaf}, nil
}

// rawText returns a JSON string's value or any other value's compact JSON
// text. null and invalid values report false.
func rawText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", false
	}
	return buf.String(), true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
