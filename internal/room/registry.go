package room

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/js0980420/syncroom/internal/store"
)

// Registry maps room codes to live rooms, creating them on first reference.
// It is the only holder of the room table; transports receive a *Registry
// and never touch package-level state.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	store *store.Store
}

// RoomInfo is the operational view of one live room.
type RoomInfo struct {
	Code         string    `json:"code"`
	Participants int       `json:"participants"`
	Version      uint64    `json:"version"`
	LastActivity time.Time `json:"lastActivity"`
}

// NewRegistry builds a registry backed by the given store. A nil store keeps
// everything in memory, which the tests use.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		store: st,
	}
}

// GetOrCreate returns the room for the code, creating it on first reference.
// Creation recovers the latest persisted snapshot and the chat id high-water
// mark, then records the room durably. Concurrent callers for the same code
// observe the same instance.
func (reg *Registry) GetOrCreate(code string) *Room {
	reg.mu.RLock()
	r, ok := reg.rooms[code]
	reg.mu.RUnlock()
	if ok {
		return r
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	// Lost the race: someone else created it between the two locks.
	if r, ok := reg.rooms[code]; ok {
		return r
	}

	r = newRoom(code, reg.store)
	if reg.store != nil {
		reg.recover(r)
		if err := reg.store.CreateRoom(code); err != nil {
			logrus.WithError(err).WithField("room", code).Warn("failed to persist room creation")
		}
	}
	reg.rooms[code] = r

	logrus.WithFields(logrus.Fields{
		"room":    code,
		"version": r.version,
	}).Info("room created")
	return r
}

// Get returns the live room or nil. Unlike GetOrCreate it never creates.
func (reg *Registry) Get(code string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[code]
}

// recover seeds a fresh room object from the durable mirror: document state
// from the newest snapshot, chat counter from the highest stored chat id and
// the recent tail for late joiners. Called before the room is published, so
// no locking is needed on the room.
func (reg *Registry) recover(r *Room) {
	version, content, ok, err := reg.store.LatestSnapshot(r.Code)
	if err != nil {
		logrus.WithError(err).WithField("room", r.Code).Warn("failed to load snapshot")
	} else if ok {
		r.version = version
		r.content = content
	}

	maxID, err := reg.store.MaxChatID(r.Code)
	if err != nil {
		logrus.WithError(err).WithField("room", r.Code).Warn("failed to load chat high-water mark")
		return
	}
	r.nextChatID = maxID + 1

	if maxID > 0 {
		sinceID := maxID - int64(chatRetention)
		if sinceID < 0 {
			sinceID = 0
		}
		stored, err := reg.store.ChatSince(r.Code, sinceID, chatRetention)
		if err != nil {
			logrus.WithError(err).WithField("room", r.Code).Warn("failed to load chat tail")
			return
		}
		for _, m := range stored {
			r.chat = append(r.chat, ChatMessage{ID: m.ID, UserID: m.UserID, UserName: m.UserName, Body: m.Body, CreatedAt: m.CreatedAt})
		}
	}
}

// Counts returns live room and participant totals for the status surface.
func (reg *Registry) Counts() (rooms, participants int) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for _, r := range reg.rooms {
		rooms++
		participants += r.ParticipantCount()
	}
	return rooms, participants
}

// List returns the operational view of every live room.
func (reg *Registry) List() []RoomInfo {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		snap := r.Snapshot()
		infos = append(infos, RoomInfo{
			Code:         r.Code,
			Participants: r.ParticipantCount(),
			Version:      snap.Version,
			LastActivity: r.LastActivity(),
		})
	}
	return infos
}

// EvictIdle removes idle participants from every room. Returns the total
// evicted.
func (reg *Registry) EvictIdle(presenceWindow time.Duration) int {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	evicted := 0
	for _, r := range rooms {
		evicted += r.EvictIdle(presenceWindow)
	}
	return evicted
}

// Reap drops rooms that have had zero participants for longer than the TTL.
// Only the in-memory room goes away; the durable snapshot and chat history
// stay so the room recovers on its next reference. Returns how many rooms
// were reclaimed.
func (reg *Registry) Reap(idleTTL time.Duration) int {
	cutoff := time.Now().Add(-idleTTL)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	reaped := 0
	for code, r := range reg.rooms {
		if r.idleSince(cutoff) {
			delete(reg.rooms, code)
			reaped++
			logrus.WithField("room", code).Info("room reclaimed")
		}
	}
	return reaped
}

// Drop removes a room from memory and deletes its durable state. This is the
// administrative delete; normal reclamation goes through Reap.
func (reg *Registry) Drop(code string) error {
	reg.mu.Lock()
	delete(reg.rooms, code)
	reg.mu.Unlock()

	if reg.store == nil {
		return nil
	}
	return reg.store.DeleteRoom(code)
}
