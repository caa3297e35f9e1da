package ws

import (
	"encoding/json"
	"time"

	"github.com/js0980420/syncroom/internal/room"
)

// Envelope is the wire frame for the push transport, one JSON object per
// WebSocket text message.
type Envelope struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Inbound message types.
const (
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeCodeChange   = "code_change"
	TypeCursorChange = "cursor_change"
	TypeChatMessage  = "chat_message"
	TypePing         = "ping"
)

// Outbound message types.
const (
	TypeRoomJoined    = "room_joined"
	TypeUserJoined    = "user_joined"
	TypeUserLeft      = "user_left"
	TypeCodeChanged   = "code_changed"
	TypeCodeConflict  = "code_conflict"
	TypeCursorChanged = "cursor_changed"
	TypePong          = "pong"
	TypeError         = "error"
)

// Inbound payloads.

type CodeChangeData struct {
	Version uint64 `json:"version"`
	Code    string `json:"code"`
}

type CursorChangeData struct {
	Cursor json.RawMessage `json:"cursor"`
}

type ChatMessageData struct {
	Message string `json:"message"`
}

// Outbound payloads.

type RoomJoinedData struct {
	Version uint64                 `json:"version"`
	Code    string                 `json:"code"`
	Users   []room.ParticipantInfo `json:"users"`
	Chat    []room.ChatMessage     `json:"chat"`
}

type CodeConflictData struct {
	Version     uint64 `json:"version"`
	Code        string `json:"code"`
	YourVersion uint64 `json:"yourVersion"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type UserListData struct {
	Users []room.ParticipantInfo `json:"users"`
}

// NewEnvelope builds an outbound frame, marshalling the payload and stamping
// the current time in epoch milliseconds.
func NewEnvelope(msgType, roomCode, userID, userName string, data any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		Room:      roomCode,
		UserID:    userID,
		UserName:  userName,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// FromEvent translates a room event into its wire envelope.
func FromEvent(ev room.Event) (Envelope, error) {
	env := Envelope{
		Room:      ev.Room,
		UserID:    ev.UserID,
		UserName:  ev.UserName,
		Timestamp: ev.Time.UnixMilli(),
	}

	var data any
	switch ev.Type {
	case room.EventCodeChanged:
		env.Type = TypeCodeChanged
		data = ev.Code
	case room.EventCursorMoved:
		env.Type = TypeCursorChanged
		data = CursorChangeData{Cursor: ev.Cursor}
	case room.EventUserJoined:
		env.Type = TypeUserJoined
		data = UserListData{Users: ev.Users}
	case room.EventUserLeft:
		env.Type = TypeUserLeft
		data = UserListData{Users: ev.Users}
	case room.EventChatPosted:
		env.Type = TypeChatMessage
		data = ev.Chat
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}
