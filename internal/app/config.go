package app

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr             string
	Path             string
	DBPath           string
	LogLevel         string
	LogFormat        string
	ConnectLimit     int
	ConnectWindow    time.Duration
	HistoryRetention time.Duration
	TrustProxy       bool
}

// WatchConfig defines the parameters the presencewatch CLI needs.
type WatchConfig struct {
	ServerURL    string
	Username     string
	SessionID    string
	DeviceType   string
	LogoutOnExit bool
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("PRESENCEHUB_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("PRESENCEHUB_DATA_DIR"); env != "" {
		return filepath.Join(env, "presencehub.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "presencehub", "presencehub.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "PresenceHub", "presencehub.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "presencehub", "presencehub.db")
	}
	return filepath.Join(".", ".presencehub", "presencehub.db")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and
// falls back to /presence when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/presence"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
