package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store is the durable mirror of the in-memory session state: rooms,
// versioned document snapshots, participant rows, and chat history. Live
// traffic is served from memory; the store exists for durability and
// cold-start recovery.
type Store struct {
	db *sql.DB
}

type Room struct {
	Code      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Snapshot struct {
	RoomCode   string
	Version    uint64
	Content    string
	AuthorID   string
	AuthorName string
	CreatedAt  time.Time
}

type ChatMessage struct {
	RoomCode  string    `json:"-"`
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Body      string    `json:"text"`
	CreatedAt time.Time `json:"timestamp"`
}

func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	logrus.WithField("path", dbPath).Info("store initialized")
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		code TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_code TEXT NOT NULL,
		version INTEGER NOT NULL,
		content TEXT NOT NULL,
		author_id TEXT DEFAULT '',
		author_name TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_code) REFERENCES rooms(code) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_room_version ON snapshots(room_code, version DESC);

	CREATE TABLE IF NOT EXISTS participants (
		room_code TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_code, user_id),
		FOREIGN KEY (room_code) REFERENCES rooms(code) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		room_code TEXT NOT NULL,
		id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_code, id),
		FOREIGN KEY (room_code) REFERENCES rooms(code) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Room operations

func (s *Store) CreateRoom(code string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO rooms (code) VALUES (?)",
		code,
	)
	return err
}

func (s *Store) GetRoom(code string) (*Room, error) {
	row := s.db.QueryRow(
		"SELECT code, created_at, updated_at FROM rooms WHERE code = ?",
		code,
	)

	var room Room
	err := row.Scan(&room.Code, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) TouchRoom(code string) error {
	_, err := s.db.Exec(
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE code = ?",
		code,
	)
	return err
}

// DeleteRoom removes the room and, via cascade semantics kept explicit here,
// its snapshots, participants, and chat history. One transaction: either the
// room and all its children go, or nothing does.
func (s *Store) DeleteRoom(code string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM chat_messages WHERE room_code = ?",
		"DELETE FROM participants WHERE room_code = ?",
		"DELETE FROM snapshots WHERE room_code = ?",
		"DELETE FROM rooms WHERE code = ?",
	} {
		if _, err := tx.Exec(stmt, code); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Snapshot operations

// AppendSnapshot records an accepted document state. Snapshots are
// append-only; LatestSnapshot picks the highest version.
func (s *Store) AppendSnapshot(code string, version uint64, content, authorID, authorName string) error {
	if err := s.CreateRoom(code); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT INTO snapshots (room_code, version, content, author_id, author_name) VALUES (?, ?, ?, ?, ?)",
		code, version, content, authorID, authorName,
	)
	if err != nil {
		return err
	}

	return s.TouchRoom(code)
}

// LatestSnapshot returns the highest-version snapshot for the room. The
// third return reports whether one exists.
func (s *Store) LatestSnapshot(code string) (uint64, string, bool, error) {
	row := s.db.QueryRow(
		"SELECT version, content FROM snapshots WHERE room_code = ? ORDER BY version DESC LIMIT 1",
		code,
	)

	var version uint64
	var content string
	err := row.Scan(&version, &content)
	if err == sql.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	return version, content, true, nil
}

func (s *Store) SnapshotCount(code string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM snapshots WHERE room_code = ?",
		code,
	).Scan(&count)
	return count, err
}

// Participant operations

func (s *Store) UpsertParticipant(code, userID, name string) error {
	if err := s.CreateRoom(code); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		INSERT INTO participants (room_code, user_id, name, last_seen)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_code, user_id) DO UPDATE SET
			name = excluded.name,
			last_seen = CURRENT_TIMESTAMP
	`, code, userID, name)
	return err
}

func (s *Store) RemoveParticipant(code, userID string) error {
	_, err := s.db.Exec(
		"DELETE FROM participants WHERE room_code = ? AND user_id = ?",
		code, userID,
	)
	return err
}

// Chat operations

// AppendChat records a chat message with the room-scoped id the relay
// assigned. INSERT OR IGNORE keeps an async retry from duplicating a row.
func (s *Store) AppendChat(code string, id int64, userID, name, body string) error {
	if err := s.CreateRoom(code); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO chat_messages (room_code, id, user_id, name, body) VALUES (?, ?, ?, ?, ?)",
		code, id, userID, name, body,
	)
	return err
}

// ChatSince returns messages with id > lastID, oldest first, capped at limit.
func (s *Store) ChatSince(code string, lastID int64, limit int) ([]ChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT room_code, id, user_id, name, body, created_at
		FROM chat_messages
		WHERE room_code = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, code, lastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.RoomCode, &m.ID, &m.UserID, &m.UserName, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MaxChatID returns the highest chat id recorded for the room, or 0. Used to
// seed the in-memory counter on cold start.
func (s *Store) MaxChatID(code string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(id), 0) FROM chat_messages WHERE room_code = ?",
		code,
	).Scan(&id)
	return id, err
}

// Stats

func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	queries := map[string]string{
		"room_count":     "SELECT COUNT(*) FROM rooms",
		"snapshot_count": "SELECT COUNT(*) FROM snapshots",
		"chat_count":     "SELECT COUNT(*) FROM chat_messages",
	}

	for key, query := range queries {
		var count int
		if err := s.db.QueryRow(query).Scan(&count); err != nil {
			return nil, err
		}
		stats[key] = count
	}

	return stats, nil
}
