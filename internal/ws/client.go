package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/js0980420/syncroom/internal/ratelimit"
	"github.com/js0980420/syncroom/internal/room"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one push-transport connection. A connection participates in at
// most one room at a time; its room subscription lives exactly as long as
// its membership.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	rateLimiter *ratelimit.Limiter
	connID      string

	mu       sync.Mutex
	closed   bool
	roomCode string
	userID   string
	userName string
}

func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 512),
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		connID:      uuid.NewString(),
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithError(err).WithField("conn", c.connID).Debug("websocket read error")
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				logrus.WithFields(logrus.Fields{
					"conn":     c.connID,
					"warnings": rateLimitWarnings,
				}).Warn("rate limit exceeded")
			}
			if rateLimitWarnings > 1000 {
				logrus.WithField("conn", c.connID).Warn("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.sendError("malformed message envelope")
			continue
		}

		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case TypeJoinRoom:
		c.handleJoin(env)
	case TypeLeaveRoom:
		c.detachRoom(true)
	case TypeCodeChange:
		c.handleCodeChange(env)
	case TypeCursorChange:
		c.handleCursorChange(env)
	case TypeChatMessage:
		c.handleChatMessage(env)
	case TypePing:
		c.sendMessage(TypePong, "", nil)
	default:
		c.sendError("unknown message type: " + env.Type)
	}
}

func (c *Client) handleJoin(env Envelope) {
	if env.Room == "" || env.UserID == "" {
		c.sendError("room and userId are required")
		return
	}

	// Switching rooms implies leaving the old one first.
	if current := c.currentRoom(); current != "" && current != env.Room {
		c.detachRoom(true)
	}

	c.mu.Lock()
	c.roomCode = env.Room
	c.userID = env.UserID
	c.userName = env.UserName
	c.mu.Unlock()

	rm := c.hub.registry.GetOrCreate(env.Room)

	// Subscribe before joining so the member-list events that follow the
	// join cannot be missed.
	events := rm.Subscribe(c.connID)
	go c.forward(env.Room, events)

	state := rm.Join(env.UserID, env.UserName)

	c.sendMessage(TypeRoomJoined, env.Room, RoomJoinedData{
		Version: state.Code.Version,
		Code:    state.Code.Code,
		Users:   state.Users,
		Chat:    state.Chat,
	})
}

func (c *Client) handleCodeChange(env Envelope) {
	roomCode, userID, userName, ok := c.identity()
	if !ok {
		c.sendError("join_room is required before code_change")
		return
	}

	var data CodeChangeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.sendError("malformed code_change data")
		return
	}

	rm := c.hub.registry.GetOrCreate(roomCode)
	result, err := rm.ApplyEdit(userID, userName, data.Version, data.Code)
	if err != nil {
		logrus.WithError(err).WithField("room", roomCode).Error("failed to apply edit")
		c.sendError("failed to save code change")
		return
	}

	if !result.Accepted {
		c.sendMessage(TypeCodeConflict, roomCode, CodeConflictData{
			Version:     result.Version,
			Code:        result.Content,
			YourVersion: data.Version,
		})
		return
	}

	// Other participants hear about the edit through fan-out; the author
	// gets a direct acknowledgement with the authoritative version.
	c.sendMessage(TypeCodeChanged, roomCode, room.CodeState{
		Version: result.Version,
		Code:    result.Content,
	})
}

func (c *Client) handleCursorChange(env Envelope) {
	roomCode, userID, userName, ok := c.identity()
	if !ok {
		c.sendError("join_room is required before cursor_change")
		return
	}

	var data CursorChangeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.sendError("malformed cursor_change data")
		return
	}

	rm := c.hub.registry.GetOrCreate(roomCode)
	rm.Touch(userID, userName, data.Cursor)
}

func (c *Client) handleChatMessage(env Envelope) {
	roomCode, userID, userName, ok := c.identity()
	if !ok {
		c.sendError("join_room is required before chat_message")
		return
	}

	var data ChatMessageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.sendError("malformed chat_message data")
		return
	}

	rm := c.hub.registry.GetOrCreate(roomCode)
	if _, err := rm.PostChat(userID, userName, data.Message); err != nil {
		if errors.Is(err, room.ErrEmptyMessage) {
			c.sendError("chat message text is empty")
			return
		}
		logrus.WithError(err).WithField("room", roomCode).Error("failed to post chat message")
		c.sendError("failed to send chat message")
	}
}

// forward bridges room events onto the connection. Events originated by this
// participant are filtered out, except chat, which echoes back so the sender
// learns its message id.
func (c *Client) forward(roomCode string, events <-chan room.Event) {
	for ev := range events {
		_, userID, _, _ := c.identity()
		if ev.Type != room.EventChatPosted && ev.UserID == userID {
			continue
		}

		env, err := FromEvent(ev)
		if err != nil {
			logrus.WithError(err).Warn("failed to encode event")
			continue
		}
		if !c.enqueue(env) {
			return
		}
	}

	// The room closed this channel. On a same-room rejoin the
	// subscription was replaced and a new forwarder has taken over; only
	// when the room holds no subscription for this connection was it
	// dropped as too slow, and then the socket closes so the client
	// reconnects with a fresh snapshot.
	if c.currentRoom() != roomCode {
		return
	}
	rm := c.hub.registry.Get(roomCode)
	if rm == nil || !rm.Subscribed(c.connID) {
		c.conn.Close()
	}
}

// detachRoom tears down the current room membership. With leave set, the
// participant is removed from the room (explicit leave_room, or disconnect
// detection); the room emits user_left exactly once either way.
func (c *Client) detachRoom(leave bool) {
	c.mu.Lock()
	roomCode := c.roomCode
	userID := c.userID
	c.roomCode = ""
	c.userID = ""
	c.userName = ""
	c.mu.Unlock()

	if roomCode == "" {
		return
	}

	rm := c.hub.registry.Get(roomCode)
	if rm == nil {
		return
	}
	rm.Unsubscribe(c.connID)
	if leave {
		rm.Leave(userID)
	}
}

func (c *Client) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode
}

func (c *Client) identity() (roomCode, userID, userName string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode, c.userID, c.userName, c.roomCode != ""
}

func (c *Client) sendMessage(msgType, roomCode string, data any) {
	_, userID, userName, _ := c.identity()
	env, err := NewEnvelope(msgType, roomCode, userID, userName, data)
	if err != nil {
		logrus.WithError(err).Warn("failed to encode message")
		return
	}
	c.enqueue(env)
}

func (c *Client) sendError(message string) {
	env, err := NewEnvelope(TypeError, c.currentRoom(), "", "", ErrorData{Message: message})
	if err != nil {
		return
	}
	c.enqueue(env)
}

// enqueue hands a frame to the write pump without blocking. A full buffer
// means the connection cannot keep up; it is closed and reported false.
func (c *Client) enqueue(env Envelope) bool {
	payload, err := json.Marshal(env)
	if err != nil {
		logrus.WithError(err).Warn("failed to marshal envelope")
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.conn.Close()
		return false
	}
}

// shutdown closes the send channel exactly once, after which enqueue becomes
// a no-op. Called by the hub when the connection unregisters.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
