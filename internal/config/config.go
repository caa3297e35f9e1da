package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Runtime configuration, loaded from the environment with optional
// .env file support.
type Config struct {
	Port     string
	DBPath   string
	LogLevel string

	// How recently a participant must have acted to count as present.
	PresenceWindow time.Duration

	// How recently a cursor must have moved to be worth broadcasting.
	CursorWindow time.Duration

	// Rooms with no participants are reclaimed after this much idle time.
	RoomTTL time.Duration

	// How often the janitor sweeps for idle rooms and participants.
	ReapInterval time.Duration

	// Maximum chat messages returned per polling cycle.
	ChatPageSize int
}

// Load reads configuration from environment variables, falling back to a
// .env file if one exists, then to defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using environment variables only")
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("SYNCROOM_DB_PATH", "./data/syncroom.db"),
		LogLevel:       getEnv("SYNCROOM_LOG_LEVEL", "info"),
		PresenceWindow: getDuration("SYNCROOM_PRESENCE_WINDOW", 60*time.Second),
		CursorWindow:   getDuration("SYNCROOM_CURSOR_WINDOW", 5*time.Second),
		RoomTTL:        getDuration("SYNCROOM_ROOM_TTL", 30*time.Minute),
		ReapInterval:   getDuration("SYNCROOM_REAP_INTERVAL", 5*time.Minute),
		ChatPageSize:   getInt("SYNCROOM_CHAT_PAGE_SIZE", 20),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logrus.WithField("key", key).Warnf("invalid duration %q, using default %v", value, defaultValue)
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		logrus.WithField("key", key).Warnf("invalid integer %q, using default %d", value, defaultValue)
		return defaultValue
	}
	return n
}
