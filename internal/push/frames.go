package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/npezzotti/blyss-chat/internal/types"
)

type EventType string

const (
	TypeAuth         EventType = "auth"
	TypeSendMessage  EventType = "send_message"
	TypeMessage      EventType = "message"
	TypeUnreadCounts EventType = "unread_counts"
)

var ErrUnknownEvent = errors.New("unknown event type")

// AuthFrame is written once, right after the connection opens.
type AuthFrame struct {
	Type   EventType `json:"type"`
	UserId string    `json:"userId"`
}

func NewAuthFrame(userId string) AuthFrame {
	return AuthFrame{Type: TypeAuth, UserId: userId}
}

type SendMessageFrame struct {
	Type     EventType `json:"type"`
	ThreadId string    `json:"threadId"`
	Content  string    `json:"content"`
}

func NewSendMessageFrame(threadId, content string) SendMessageFrame {
	return SendMessageFrame{Type: TypeSendMessage, ThreadId: threadId, Content: content}
}

// Event is a frame delivered by the server. The set of implementations is
// closed: *MessageEvent and *UnreadCountsEvent.
type Event interface {
	Type() EventType
	event()
}

type MessageEvent struct {
	Message types.Message `json:"message"`
}

func (*MessageEvent) Type() EventType { return TypeMessage }
func (*MessageEvent) event()          {}

type UnreadCountsEvent struct {
	Counts types.UnreadCounts `json:"counts"`
}

func (*UnreadCountsEvent) Type() EventType { return TypeUnreadCounts }
func (*UnreadCountsEvent) event()          {}

type envelope struct {
	Type EventType `json:"type"`
}

// DecodeEvent parses a server frame. Frames with a type outside the known set
// return an error wrapping ErrUnknownEvent.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeMessage:
		var ev MessageEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ev.Message.ThreadId == "" {
			return nil, fmt.Errorf("decode %s: missing thread id", env.Type)
		}
		return &ev, nil
	case TypeUnreadCounts:
		var ev UnreadCountsEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ev.Counts == nil {
			ev.Counts = types.UnreadCounts{}
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// WebSocketURL returns the same-origin push endpoint for base, mirroring its
// scheme (https -> wss).
func WebSocketURL(base *url.URL) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
