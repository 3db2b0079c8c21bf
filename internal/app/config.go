package app

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr   string
	WSPath string
	DBPath string

	SweepInterval time.Duration
	RoomTimeout   time.Duration

	SpotifyClientID     string
	SpotifyClientSecret string
	// SpotifyToken short-circuits the refresh flow with one static token,
	// handy for local single-user runs.
	SpotifyToken string
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL   string
	UserID      string
	DisplayName string
	RoomCode    string
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("JAMROOM_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("JAMROOM_DATA_DIR"); env != "" {
		return filepath.Join(env, "jamroom.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "jamroom", "jamroom.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Jamroom", "jamroom.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Jamroom", "jamroom.db")
		}
		return filepath.Join(home, ".local", "share", "jamroom", "jamroom.db")
	}
	return filepath.Join(".", ".jamroom", "jamroom.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
