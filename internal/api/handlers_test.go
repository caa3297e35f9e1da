package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/js0980420/syncroom/internal/room"
	"github.com/js0980420/syncroom/internal/ws"
)

func setupTestAPI(t *testing.T) (*httptest.Server, *room.Registry, func()) {
	t.Helper()

	registry := room.NewRegistry(nil)
	a := New(registry, nil, nil, Config{
		PresenceWindow: 60 * time.Second,
		CursorWindow:   5 * time.Second,
		ChatPageSize:   20,
	})

	server := httptest.NewServer(a.Routes())
	return server, registry, func() {
		server.Close()
	}
}

func postSync(t *testing.T, server *httptest.Server, body map[string]any) (*http.Response, map[string]any) {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	resp, err := http.Post(server.URL+"/api/sync", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to post: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp, decoded
}

func updatesByType(t *testing.T, body map[string]any) map[string][]map[string]any {
	t.Helper()

	raw, ok := body["updates"].([]any)
	if !ok {
		t.Fatalf("Expected updates array, got %T", body["updates"])
	}

	byType := make(map[string][]map[string]any)
	for _, u := range raw {
		update, ok := u.(map[string]any)
		if !ok {
			t.Fatalf("Expected update object, got %T", u)
		}
		kind, _ := update["type"].(string)
		byType[kind] = append(byType[kind], update)
	}
	return byType
}

func TestGetUpdatesCreatesRoomAndReportsState(t *testing.T) {
	server, registry, cleanup := setupTestAPI(t)
	defer cleanup()

	resp, body := postSync(t, server, map[string]any{
		"action": "get_updates",
		"room":   "demo",
		"userId": "u1", "userName": "Alice",
		"lastVersion": 0, "lastChatId": 0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("Expected success, got %v", body)
	}
	if body["latestVersion"].(float64) != 1 {
		t.Errorf("Expected latestVersion 1, got %v", body["latestVersion"])
	}

	byType := updatesByType(t, body)

	// lastVersion 0 < current 1, so the snapshot is included
	code := byType["code_changed"]
	if len(code) != 1 {
		t.Fatalf("Expected one code_changed update, got %d", len(code))
	}
	data := code[0]["data"].(map[string]any)
	if data["version"].(float64) != 1 || data["code"] != room.DefaultContent {
		t.Errorf("Unexpected code payload: %v", data)
	}

	// Polling made the caller visible
	presence := byType["presence_changed"]
	if len(presence) != 1 {
		t.Fatalf("Expected one presence_changed update, got %d", len(presence))
	}
	users := presence[0]["data"].(map[string]any)["users"].([]any)
	if len(users) != 1 {
		t.Errorf("Expected 1 active user, got %d", len(users))
	}

	if registry.Get("demo") == nil {
		t.Error("Polling should have created the room")
	}
}

func TestGetUpdatesOmitsKnownVersion(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	_, body := postSync(t, server, map[string]any{
		"action": "get_updates",
		"room":   "demo",
		"userId": "u1",
		"lastVersion": 1, "lastChatId": 0,
	})

	byType := updatesByType(t, body)
	if len(byType["code_changed"]) != 0 {
		t.Errorf("Caller already at version 1 should get no code update, got %v", byType["code_changed"])
	}
}

func TestSendUpdateCodeChangeAcceptAndConflict(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	resp, body := postSync(t, server, map[string]any{
		"action": "send_update",
		"room":   "demo",
		"userId": "u1", "userName": "Alice",
		"type": "code_change",
		"data": map[string]any{"version": 1, "code": "print(1)"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["success"] != true || body["newVersion"].(float64) != 2 {
		t.Fatalf("Expected accepted edit at version 2, got %v", body)
	}

	// A stale writer gets the authoritative state, not an error
	resp, body = postSync(t, server, map[string]any{
		"action": "send_update",
		"room":   "demo",
		"userId": "u2", "userName": "Bob",
		"type": "code_change",
		"data": map[string]any{"version": 1, "code": "print(2)"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["conflict"] != true {
		t.Fatalf("Expected conflict, got %v", body)
	}
	if body["serverVersion"].(float64) != 2 || body["code"] != "print(1)" {
		t.Errorf("Expected authoritative (2, print(1)), got %v", body)
	}
}

func TestSendUpdateChatMessage(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	resp, body := postSync(t, server, map[string]any{
		"action": "send_update",
		"room":   "demo",
		"userId": "u1", "userName": "Alice",
		"type": "chat_message",
		"data": map[string]any{"message": "hello"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	msg := body["message"].(map[string]any)
	if msg["id"].(float64) != 1 || msg["text"] != "hello" {
		t.Errorf("Unexpected message payload: %v", msg)
	}

	resp, body = postSync(t, server, map[string]any{
		"action": "send_update",
		"room":   "demo",
		"userId": "u1",
		"type":   "chat_message",
		"data":   map[string]any{"message": "   "},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty message, got %d", resp.StatusCode)
	}
	if body["success"] != false {
		t.Errorf("Expected failure body, got %v", body)
	}
}

func TestChatPagingThroughGetUpdates(t *testing.T) {
	server, registry, cleanup := setupTestAPI(t)
	defer cleanup()

	rm := registry.GetOrCreate("demo")
	for i := 0; i < 25; i++ {
		if _, err := rm.PostChat("u2", "Bob", "msg"); err != nil {
			t.Fatalf("Failed to post chat: %v", err)
		}
	}

	_, body := postSync(t, server, map[string]any{
		"action": "get_updates",
		"room":   "demo",
		"userId": "u1",
		"lastVersion": 1, "lastChatId": 0,
	})
	messages := updatesByType(t, body)["chat_message"]
	if len(messages) != 20 {
		t.Fatalf("Expected a page of 20 messages, got %d", len(messages))
	}
	last := messages[len(messages)-1]["data"].(map[string]any)["id"].(float64)
	if last != 20 {
		t.Errorf("Expected page to end at id 20, got %v", last)
	}

	// Next poll resumes from the high-water mark
	_, body = postSync(t, server, map[string]any{
		"action": "get_updates",
		"room":   "demo",
		"userId": "u1",
		"lastVersion": 1, "lastChatId": 20,
	})
	messages = updatesByType(t, body)["chat_message"]
	if len(messages) != 5 {
		t.Fatalf("Expected remaining 5 messages, got %d", len(messages))
	}
}

func TestCursorUpdatesExcludeSelf(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	postSync(t, server, map[string]any{
		"action": "send_update",
		"room":   "demo",
		"userId": "u2", "userName": "Bob",
		"type": "cursor_change",
		"data": map[string]any{"cursor": map[string]any{"line": 3, "column": 7}},
	})

	_, body := postSync(t, server, map[string]any{
		"action": "get_updates",
		"room":   "demo",
		"userId": "u1",
		"lastVersion": 1, "lastChatId": 0,
	})
	cursors := updatesByType(t, body)["cursor_changed"]
	if len(cursors) != 1 {
		t.Fatalf("Expected Bob's cursor, got %d cursor updates", len(cursors))
	}
	if cursors[0]["userId"] != "u2" {
		t.Errorf("Expected cursor from u2, got %v", cursors[0]["userId"])
	}

	// Bob polling does not see his own cursor back
	_, body = postSync(t, server, map[string]any{
		"action": "get_updates",
		"room":   "demo",
		"userId": "u2",
		"lastVersion": 1, "lastChatId": 0,
	})
	if cursors := updatesByType(t, body)["cursor_changed"]; len(cursors) != 0 {
		t.Errorf("Expected no cursor echo, got %v", cursors)
	}
}

func TestSyncValidation(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	cases := []map[string]any{
		{"action": "get_updates", "userId": "u1"}, // missing room
		{"action": "get_updates", "room": "demo"}, // missing userId
		{"action": "bogus", "room": "demo", "userId": "u1"},
		{"action": "send_update", "room": "demo", "userId": "u1", "type": "bogus"},
	}
	for _, c := range cases {
		resp, _ := postSync(t, server, c)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400 for %v, got %d", c, resp.StatusCode)
		}
	}
}

func TestStatusHandler(t *testing.T) {
	server, registry, cleanup := setupTestAPI(t)
	defer cleanup()

	registry.GetOrCreate("demo").Join("u1", "Alice")

	resp, err := http.Get(server.URL + "/api/status")
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status["active_rooms"].(float64) != 1 {
		t.Errorf("Expected 1 active room, got %v", status["active_rooms"])
	}
	if status["active_users"].(float64) != 1 {
		t.Errorf("Expected 1 active user, got %v", status["active_users"])
	}
}

func TestStatusIncludesPushCounts(t *testing.T) {
	registry := room.NewRegistry(nil)
	hub := ws.NewHub(registry)
	go hub.Run()

	a := New(registry, nil, hub, DefaultConfig())
	server := httptest.NewServer(a.Routes())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/status")
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status["push_connections"].(float64) != 0 {
		t.Errorf("Expected 0 push connections, got %v", status["push_connections"])
	}
	if _, ok := status["push_rooms"].(map[string]any); !ok {
		t.Errorf("Expected per-room connection counts, got %v", status["push_rooms"])
	}
}

func TestListAndDeleteRooms(t *testing.T) {
	server, registry, cleanup := setupTestAPI(t)
	defer cleanup()

	registry.GetOrCreate("quiet")
	busy := registry.GetOrCreate("busy")
	busy.Join("u1", "Alice")

	resp, err := http.Get(server.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	var listing struct {
		Rooms []room.RoomInfo `json:"rooms"`
		Count int             `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("Failed to decode listing: %v", err)
	}
	resp.Body.Close()

	if listing.Count != 2 {
		t.Fatalf("Expected 2 rooms, got %d", listing.Count)
	}
	// Busiest room first
	if listing.Rooms[0].Code != "busy" {
		t.Errorf("Expected busy room first, got %s", listing.Rooms[0].Code)
	}

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/rooms/quiet", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to delete room: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	if registry.Get("quiet") != nil {
		t.Error("Deleted room should be gone")
	}
}

func TestHealthHandler(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to get health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}
