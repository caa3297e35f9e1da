package room

import (
	"encoding/json"
	"time"
)

// EventType identifies one kind of state change fanned out to a room's
// subscribers.
type EventType string

const (
	EventCodeChanged EventType = "code_changed"
	EventCursorMoved EventType = "cursor_changed"
	EventUserJoined  EventType = "user_joined"
	EventUserLeft    EventType = "user_left"
	EventChatPosted  EventType = "chat_message"
)

// Event is one state change produced at a room's serialization point.
// Exactly one of the payload fields is set, matching Type. Transports decide
// delivery: everything except chat is filtered out for its originator, since
// the originator already holds that state.
type Event struct {
	Type     EventType
	Room     string
	UserID   string
	UserName string
	Time     time.Time

	// EventCodeChanged
	Code *CodeState

	// EventCursorMoved
	Cursor json.RawMessage

	// EventUserJoined / EventUserLeft: the member list after the change
	Users []ParticipantInfo

	// EventChatPosted
	Chat *ChatMessage
}

// CodeState is the authoritative (version, content) pair of a room.
type CodeState struct {
	Version uint64 `json:"version"`
	Code    string `json:"code"`
}

// ParticipantInfo is the transport-facing view of a participant.
type ParticipantInfo struct {
	UserID   string          `json:"userId"`
	Name     string          `json:"userName"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
	LastSeen time.Time       `json:"lastSeen"`
}

// ChatMessage is one entry in a room's append-only chat log. IDs increase
// strictly within a room.
type ChatMessage struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Body      string    `json:"text"`
	CreatedAt time.Time `json:"timestamp"`
}
