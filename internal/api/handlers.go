package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/js0980420/syncroom/internal/room"
	"github.com/js0980420/syncroom/internal/store"
	"github.com/js0980420/syncroom/internal/ws"
)

// Config carries the recency windows and paging limits the pull transport
// applies per request.
type Config struct {
	PresenceWindow time.Duration
	CursorWindow   time.Duration
	ChatPageSize   int
}

func DefaultConfig() Config {
	return Config{
		PresenceWindow: 60 * time.Second,
		CursorWindow:   5 * time.Second,
		ChatPageSize:   20,
	}
}

// API serves the pull transport and the operational endpoints.
type API struct {
	registry *room.Registry
	store    *store.Store
	hub      *ws.Hub
	config   Config
}

func New(registry *room.Registry, st *store.Store, hub *ws.Hub, config Config) *API {
	if config.ChatPageSize <= 0 {
		config = DefaultConfig()
	}
	return &API{
		registry: registry,
		store:    st,
		hub:      hub,
		config:   config,
	}
}

// Routes builds the HTTP surface: polling sync, status, room listing, and
// the websocket upgrade endpoint.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.HealthHandler)
	r.Post("/api/sync", a.SyncHandler)
	r.Get("/api/status", a.StatusHandler)
	r.Get("/api/rooms", a.ListRoomsHandler)
	r.Delete("/api/rooms/{code}", a.DeleteRoomHandler)

	if a.hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
			ws.ServeWS(a.hub, w, req)
		})
	}

	return r
}

// Pull transport wire types.

type syncRequest struct {
	Action      string          `json:"action"`
	Room        string          `json:"room"`
	UserID      string          `json:"userId"`
	UserName    string          `json:"userName"`
	LastVersion uint64          `json:"lastVersion"`
	LastChatID  int64           `json:"lastChatId"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
}

type updateEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type getUpdatesResponse struct {
	Success         bool          `json:"success"`
	Updates         []updateEvent `json:"updates"`
	LatestVersion   uint64        `json:"latestVersion"`
	ServerTimestamp int64         `json:"serverTimestamp"`
}

type sendUpdateResponse struct {
	Success       bool              `json:"success"`
	NewVersion    uint64            `json:"newVersion,omitempty"`
	ServerVersion uint64            `json:"serverVersion,omitempty"`
	Conflict      bool              `json:"conflict,omitempty"`
	Code          string            `json:"code,omitempty"`
	Message       *room.ChatMessage `json:"message,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{Success: false, Error: message})
}

// SyncHandler is the single pull-transport entry point: get_updates pulls
// everything newer than the caller's high-water marks in one bounded reply;
// send_update applies one participant action.
func (a *API) SyncHandler(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "malformed request body")
		return
	}

	if req.Room == "" || req.UserID == "" {
		badRequest(w, r, "room and userId are required")
		return
	}

	switch req.Action {
	case "get_updates":
		a.handleGetUpdates(w, r, req)
	case "send_update":
		a.handleSendUpdate(w, r, req)
	default:
		badRequest(w, r, "unknown action: "+req.Action)
	}
}

func (a *API) handleGetUpdates(w http.ResponseWriter, r *http.Request, req syncRequest) {
	rm := a.registry.GetOrCreate(req.Room)

	// Polling is activity: it joins the room implicitly and keeps the
	// caller visible in the presence window.
	rm.Touch(req.UserID, req.UserName, nil)

	var updates []updateEvent
	now := time.Now()

	snap := rm.Snapshot()
	if snap.Version > req.LastVersion {
		updates = append(updates, updateEvent{
			Type:      "code_changed",
			Data:      snap,
			Timestamp: now.UnixMilli(),
		})
	}

	users := rm.Active(a.config.PresenceWindow)
	updates = append(updates, updateEvent{
		Type:      "presence_changed",
		Data:      map[string]any{"users": users},
		Timestamp: now.UnixMilli(),
	})

	for _, cursor := range rm.FreshCursors(a.config.CursorWindow, req.UserID) {
		updates = append(updates, updateEvent{
			Type:      "cursor_changed",
			UserID:    cursor.UserID,
			UserName:  cursor.Name,
			Data:      map[string]any{"cursor": cursor.Cursor},
			Timestamp: cursor.LastSeen.UnixMilli(),
		})
	}

	for _, msg := range rm.ChatSince(req.LastChatID, a.config.ChatPageSize) {
		msg := msg
		updates = append(updates, updateEvent{
			Type:      "chat_message",
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			Data:      &msg,
			Timestamp: msg.CreatedAt.UnixMilli(),
		})
	}

	render.JSON(w, r, getUpdatesResponse{
		Success:         true,
		Updates:         updates,
		LatestVersion:   snap.Version,
		ServerTimestamp: now.UnixMilli(),
	})
}

func (a *API) handleSendUpdate(w http.ResponseWriter, r *http.Request, req syncRequest) {
	rm := a.registry.GetOrCreate(req.Room)

	switch req.Type {
	case "code_change":
		var data ws.CodeChangeData
		if err := json.Unmarshal(req.Data, &data); err != nil {
			badRequest(w, r, "malformed code_change data")
			return
		}

		result, err := rm.ApplyEdit(req.UserID, req.UserName, data.Version, data.Code)
		if err != nil {
			logrus.WithError(err).WithField("room", req.Room).Error("failed to apply edit")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, errorResponse{Success: false, Error: "failed to save code change"})
			return
		}

		if !result.Accepted {
			render.JSON(w, r, sendUpdateResponse{
				Success:       true,
				Conflict:      true,
				ServerVersion: result.Version,
				Code:          result.Content,
			})
			return
		}

		render.JSON(w, r, sendUpdateResponse{
			Success:       true,
			NewVersion:    result.Version,
			ServerVersion: result.Version,
		})

	case "cursor_change":
		var data ws.CursorChangeData
		if err := json.Unmarshal(req.Data, &data); err != nil {
			badRequest(w, r, "malformed cursor_change data")
			return
		}
		rm.Touch(req.UserID, req.UserName, data.Cursor)
		render.JSON(w, r, sendUpdateResponse{Success: true})

	case "chat_message":
		var data ws.ChatMessageData
		if err := json.Unmarshal(req.Data, &data); err != nil {
			badRequest(w, r, "malformed chat_message data")
			return
		}

		msg, err := rm.PostChat(req.UserID, req.UserName, data.Message)
		if err != nil {
			if errors.Is(err, room.ErrEmptyMessage) {
				badRequest(w, r, "chat message text is empty")
				return
			}
			logrus.WithError(err).WithField("room", req.Room).Error("failed to post chat message")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, errorResponse{Success: false, Error: "failed to send chat message"})
			return
		}

		render.JSON(w, r, sendUpdateResponse{Success: true, Message: &msg})

	default:
		badRequest(w, r, "unknown update type: "+req.Type)
	}
}

// Operational endpoints.

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatusHandler(w http.ResponseWriter, r *http.Request) {
	rooms, participants := a.registry.Counts()

	status := map[string]any{
		"active_rooms": rooms,
		"active_users": participants,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if a.hub != nil {
		status["push_connections"] = a.hub.ClientCount()
		status["push_rooms"] = a.hub.RoomConnectionCounts()
	}
	if a.store != nil {
		stats, err := a.store.Stats()
		if err != nil {
			logrus.WithError(err).Warn("failed to read store stats")
		} else {
			status["stored_rooms"] = stats["room_count"]
			status["stored_snapshots"] = stats["snapshot_count"]
			status["stored_chat_messages"] = stats["chat_count"]
		}
	}

	render.JSON(w, r, status)
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms := a.registry.List()
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Participants == rooms[j].Participants {
			return rooms[i].Code < rooms[j].Code
		}
		return rooms[i].Participants > rooms[j].Participants
	})

	render.JSON(w, r, map[string]any{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		badRequest(w, r, "room code is required")
		return
	}

	if err := a.registry.Drop(code); err != nil {
		logrus.WithError(err).WithField("room", code).Error("failed to delete room")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{Success: false, Error: "failed to delete room"})
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "deleted": code})
}
