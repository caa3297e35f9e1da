package room

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/js0980420/syncroom/internal/store"
)

// DefaultContent seeds newly created rooms.
const DefaultContent = "# Write your Python code here\nprint(\"Hello, world!\")\n"

// How many chat messages a room keeps in memory. The store holds the full
// history; the in-memory tail serves polling and late joiners.
const chatRetention = 100

// Buffered events per subscriber. A subscriber that falls this far behind is
// dropped rather than allowed to block the room.
const subscriberBuffer = 64

// ErrEmptyMessage rejects chat messages with no visible text.
var ErrEmptyMessage = errors.New("chat message text is empty")

// Room is one collaborative session: the authoritative (version, content)
// pair, the participant set, the chat log, and the subscriber list. All
// mutations go through the room's mutex, which is the per-room serialization
// point; cross-room operations never contend.
type Room struct {
	Code string

	mu           sync.Mutex
	version      uint64
	content      string
	participants map[string]*participant
	chat         []ChatMessage
	nextChatID   int64
	subscribers  map[string]chan Event
	createdAt    time.Time
	lastActivity time.Time

	store *store.Store
	log   *logrus.Entry
}

type participant struct {
	userID     string
	name       string
	cursor     json.RawMessage
	cursorSeen time.Time
	lastSeen   time.Time
}

// EditResult reports the outcome of an apply. A rejected edit carries the
// authoritative version and content so the writer can reconcile.
type EditResult struct {
	Accepted bool
	Version  uint64
	Content  string
}

// JoinState is everything a joiner needs to render the room.
type JoinState struct {
	Code  CodeState
	Users []ParticipantInfo
	Chat  []ChatMessage
}

func newRoom(code string, st *store.Store) *Room {
	now := time.Now()
	return &Room{
		Code:         code,
		version:      1,
		content:      DefaultContent,
		participants: make(map[string]*participant),
		nextChatID:   1,
		subscribers:  make(map[string]chan Event),
		createdAt:    now,
		lastActivity: now,
		store:        st,
		log:          logrus.WithField("room", code),
	}
}

// Join upserts the participant, refreshes activity, and returns the current
// room state. Other participants receive a user-joined event.
func (r *Room) Join(userID, name string) JoinState {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upsertParticipantLocked(userID, name)

	state := JoinState{
		Code:  CodeState{Version: r.version, Code: r.content},
		Users: r.memberListLocked(),
		Chat:  r.recentChatLocked(chatRetention),
	}

	r.persistParticipant(userID, name)
	return state
}

// Leave removes the participant if present. Idempotent: the user-left event
// is emitted at most once per membership.
func (r *Room) Leave(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return false
	}
	delete(r.participants, userID)
	r.lastActivity = time.Now()

	r.emitLocked(Event{
		Type:     EventUserLeft,
		Room:     r.Code,
		UserID:   userID,
		UserName: p.name,
		Time:     time.Now(),
		Users:    r.memberListLocked(),
	})

	if r.store != nil {
		go func() {
			if err := r.store.RemoveParticipant(r.Code, userID); err != nil {
				r.log.WithError(err).Warn("failed to remove participant row")
			}
		}()
	}
	return true
}

// Touch refreshes the participant's activity and, when a cursor is supplied,
// updates it and notifies the other participants. The cursor payload is
// forwarded verbatim; the room does not interpret it.
func (r *Room) Touch(userID, name string, cursor json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.upsertParticipantLocked(userID, name)

	if cursor != nil {
		now := time.Now()
		p.cursor = cursor
		p.cursorSeen = now

		r.emitLocked(Event{
			Type:     EventCursorMoved,
			Room:     r.Code,
			UserID:   userID,
			UserName: p.name,
			Time:     now,
			Cursor:   cursor,
		})
	}
}

// ApplyEdit runs the last-writer-wins conflict rule. A submitted version
// below the current one is a conflict: nothing changes and the caller gets
// the authoritative state. Otherwise the content is replaced and the version
// advances by exactly one, derived from the room's own counter rather than
// the submitted number. Accepted edits are persisted before this returns; a
// store failure fails the edit without mutating the room.
func (r *Room) ApplyEdit(userID, name string, submittedVersion uint64, content string) (EditResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upsertParticipantLocked(userID, name)

	if submittedVersion < r.version {
		return EditResult{Accepted: false, Version: r.version, Content: r.content}, nil
	}

	newVersion := r.version + 1
	if r.store != nil {
		if err := r.store.AppendSnapshot(r.Code, newVersion, content, userID, name); err != nil {
			return EditResult{}, err
		}
	}

	r.version = newVersion
	r.content = content
	r.lastActivity = time.Now()

	r.emitLocked(Event{
		Type:     EventCodeChanged,
		Room:     r.Code,
		UserID:   userID,
		UserName: name,
		Time:     time.Now(),
		Code:     &CodeState{Version: newVersion, Code: content},
	})

	return EditResult{Accepted: true, Version: newVersion, Content: content}, nil
}

// PostChat appends a message to the room's chat log and fans it out to every
// subscriber, the sender included, so the sender learns its new high-water
// mark id. Persistence is best-effort: a store outage must not stop live
// chat.
func (r *Room) PostChat(userID, name, body string) (ChatMessage, error) {
	if strings.TrimSpace(body) == "" {
		return ChatMessage{}, ErrEmptyMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.upsertParticipantLocked(userID, name)

	msg := ChatMessage{
		ID:        r.nextChatID,
		UserID:    userID,
		UserName:  name,
		Body:      body,
		CreatedAt: time.Now(),
	}
	r.nextChatID++

	r.chat = append(r.chat, msg)
	if len(r.chat) > chatRetention {
		r.chat = r.chat[len(r.chat)-chatRetention:]
	}

	r.emitLocked(Event{
		Type:     EventChatPosted,
		Room:     r.Code,
		UserID:   userID,
		UserName: name,
		Time:     msg.CreatedAt,
		Chat:     &msg,
	})

	if r.store != nil {
		go func() {
			if err := r.store.AppendChat(r.Code, msg.ID, msg.UserID, msg.UserName, msg.Body); err != nil {
				r.log.WithError(err).Warn("failed to persist chat message")
			}
		}()
	}

	return msg, nil
}

// Snapshot returns the authoritative document state.
func (r *Room) Snapshot() CodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CodeState{Version: r.version, Code: r.content}
}

// ChatSince returns messages with id > lastID, oldest first, capped at
// limit. Served from memory when the tail reaches back far enough, otherwise
// from the store.
func (r *Room) ChatSince(lastID int64, limit int) []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		return nil
	}

	// The in-memory tail starts after trimmed history; fall back to the
	// store when the caller is further behind than the tail covers.
	if len(r.chat) > 0 && lastID < r.chat[0].ID-1 && r.store != nil {
		stored, err := r.store.ChatSince(r.Code, lastID, limit)
		if err != nil {
			r.log.WithError(err).Warn("failed to read chat history")
		} else {
			messages := make([]ChatMessage, len(stored))
			for i, m := range stored {
				messages[i] = ChatMessage{ID: m.ID, UserID: m.UserID, UserName: m.UserName, Body: m.Body, CreatedAt: m.CreatedAt}
			}
			return messages
		}
	}

	var messages []ChatMessage
	for _, m := range r.chat {
		if m.ID > lastID {
			messages = append(messages, m)
			if len(messages) >= limit {
				break
			}
		}
	}
	return messages
}

// Active returns participants whose last activity falls within the window.
func (r *Room) Active(within time.Duration) []ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-within)
	var users []ParticipantInfo
	for _, p := range r.participants {
		if p.lastSeen.After(cutoff) {
			users = append(users, p.info())
		}
	}
	return users
}

// FreshCursors returns cursors updated within the window, excluding the
// caller's own. The cursor window is much shorter than the presence window:
// a stale cursor is noise, a stale participant is still present.
func (r *Room) FreshCursors(within time.Duration, excludeUserID string) []ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-within)
	var users []ParticipantInfo
	for _, p := range r.participants {
		if p.userID == excludeUserID || p.cursor == nil {
			continue
		}
		if p.cursorSeen.After(cutoff) {
			users = append(users, p.info())
		}
	}
	return users
}

// Subscribe attaches a buffered event channel under the given subscriber id.
// The channel is closed on Unsubscribe, or when the subscriber falls too far
// behind.
func (r *Room) Subscribe(subscriberID string) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.subscribers[subscriberID]; ok {
		close(old)
	}
	ch := make(chan Event, subscriberBuffer)
	r.subscribers[subscriberID] = ch
	return ch
}

// Subscribed reports whether the subscriber currently holds a channel. A
// transport whose channel was closed uses this to tell a replaced
// subscription apart from a dropped one.
func (r *Room) Subscribed(subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subscribers[subscriberID]
	return ok
}

func (r *Room) Unsubscribe(subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subscribers[subscriberID]; ok {
		delete(r.subscribers, subscriberID)
		close(ch)
	}
}

// EvictIdle removes participants with no activity inside the window,
// emitting one user-left each. Returns how many were evicted.
func (r *Room) EvictIdle(window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-window)
	evicted := 0
	for userID, p := range r.participants {
		if p.lastSeen.After(cutoff) {
			continue
		}
		delete(r.participants, userID)
		// Departure counts as room activity, so the reap TTL starts
		// from when the room empties.
		r.lastActivity = time.Now()
		evicted++

		r.emitLocked(Event{
			Type:     EventUserLeft,
			Room:     r.Code,
			UserID:   userID,
			UserName: p.name,
			Time:     time.Now(),
			Users:    r.memberListLocked(),
		})

		if r.store != nil {
			uid := userID
			go func() {
				if err := r.store.RemoveParticipant(r.Code, uid); err != nil {
					r.log.WithError(err).Warn("failed to remove participant row")
				}
			}()
		}
	}
	return evicted
}

// idleSince reports whether the room has no participants and no activity
// since the cutoff. Used by the reaper.
func (r *Room) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants) == 0 && r.lastActivity.Before(cutoff)
}

// ParticipantCount returns the current member count.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// LastActivity returns the room's last-activity timestamp.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// upsertParticipantLocked refreshes (or creates) the participant and bumps
// activity timestamps. A participant appearing for the first time, or
// reappearing after idle eviction, triggers a user-joined event to the rest
// of the room.
func (r *Room) upsertParticipantLocked(userID, name string) *participant {
	now := time.Now()
	r.lastActivity = now

	p, ok := r.participants[userID]
	if ok {
		p.lastSeen = now
		if name != "" {
			p.name = name
		}
		return p
	}

	p = &participant{
		userID:   userID,
		name:     name,
		lastSeen: now,
	}
	r.participants[userID] = p

	r.emitLocked(Event{
		Type:     EventUserJoined,
		Room:     r.Code,
		UserID:   userID,
		UserName: name,
		Time:     now,
		Users:    r.memberListLocked(),
	})
	return p
}

func (r *Room) persistParticipant(userID, name string) {
	if r.store == nil {
		return
	}
	go func() {
		if err := r.store.UpsertParticipant(r.Code, userID, name); err != nil {
			r.log.WithError(err).Warn("failed to persist participant")
		}
	}()
}

func (r *Room) memberListLocked() []ParticipantInfo {
	users := make([]ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		users = append(users, p.info())
	}
	return users
}

func (r *Room) recentChatLocked(limit int) []ChatMessage {
	if len(r.chat) == 0 || limit <= 0 {
		return nil
	}
	start := len(r.chat) - limit
	if start < 0 {
		start = 0
	}
	messages := make([]ChatMessage, len(r.chat)-start)
	copy(messages, r.chat[start:])
	return messages
}

// emitLocked delivers the event to every subscriber without blocking the
// room. A subscriber whose buffer is full is dropped; its transport notices
// the closed channel and cleans up.
func (r *Room) emitLocked(ev Event) {
	for id, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			delete(r.subscribers, id)
			close(ch)
			r.log.WithField("subscriber", id).Warn("dropping slow subscriber")
		}
	}
}

func (p *participant) info() ParticipantInfo {
	return ParticipantInfo{
		UserID:   p.userID,
		Name:     p.name,
		Cursor:   p.cursor,
		LastSeen: p.lastSeen,
	}
}
