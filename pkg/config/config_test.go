package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var allKeys = []string{
	"API_BASE_URL", "EVENTS_URL", "AUTH_TOKEN", "USER_ID", "STUN_SERVERS", "TURN_SERVER",
	"TURN_USERNAME", "TURN_PASSWORD", "CALL_RING_TIMEOUT", "REQUEST_TIMEOUT", "LOG_LEVEL",
	"LOCALE", "METRICS_ADDR", "PORT", "ENVIRONMENT", "DATABASE_PATH", "JWT_SECRET",
	"CORS_ORIGINS", "MAX_UPLOAD_SIZE", "FILE_STORAGE_PATH",
}

func writeEnvFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	return path
}

// unsetAll clears every config key for the duration of the test. Setenv
// registers the restore, Unsetenv then removes the value.
func unsetAll(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoadReadsExplicitEnvFile(t *testing.T) {
	unsetAll(t, allKeys...)

	envPath := writeEnvFile(t, t.TempDir(), `
API_BASE_URL=https://hub.example.com/api
EVENTS_URL=wss://hub.example.com/ws
AUTH_TOKEN=tok
USER_ID=u1
STUN_SERVERS=stun:example.org:3478,stun:backup.example.org:3478
TURN_SERVER=turn:example.org:3478
TURN_USERNAME=turn-user
TURN_PASSWORD=turn-pass
CALL_RING_TIMEOUT=30s
LOG_LEVEL=debug
LOCALE=fa
PORT=9090
DATABASE_PATH=/var/lib/messagehub/hub.db
MAX_UPLOAD_SIZE=2048
`)
	t.Setenv(EnvFileVar, envPath)

	cfg := Load()

	if cfg.APIBaseURL != "https://hub.example.com/api" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.EventsURL != "wss://hub.example.com/ws" {
		t.Fatalf("EventsURL = %q", cfg.EventsURL)
	}
	if cfg.AuthToken != "tok" || cfg.UserID != "u1" {
		t.Fatalf("AuthToken/UserID = %q/%q", cfg.AuthToken, cfg.UserID)
	}
	if cfg.TurnServer != "turn:example.org:3478" || cfg.TurnUsername != "turn-user" || cfg.TurnPassword != "turn-pass" {
		t.Fatalf("TURN settings = %q %q %q", cfg.TurnServer, cfg.TurnUsername, cfg.TurnPassword)
	}
	if cfg.CallRingTimeout != 30*time.Second {
		t.Fatalf("CallRingTimeout = %v, want 30s", cfg.CallRingTimeout)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("SlogLevel = %v, want debug", cfg.SlogLevel())
	}
	if cfg.Locale != "fa" {
		t.Fatalf("Locale = %q", cfg.Locale)
	}
	if cfg.Port != "9090" {
		t.Fatalf("Port = %q, want %q", cfg.Port, "9090")
	}
	if cfg.DatabasePath != "/var/lib/messagehub/hub.db" {
		t.Fatalf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.MaxUploadSize != 2048 {
		t.Fatalf("MaxUploadSize = %d, want 2048", cfg.MaxUploadSize)
	}

	urls := cfg.ICEServerURLs()
	if len(urls) != 2 || urls[1] != "stun:backup.example.org:3478" {
		t.Fatalf("ICEServerURLs = %v", urls)
	}
}

func TestLoadEnvVarOverridesEnvFile(t *testing.T) {
	unsetAll(t, allKeys...)

	envPath := writeEnvFile(t, t.TempDir(), `
PORT=9090
USER_ID=file-user
JWT_SECRET=file-secret
`)
	t.Setenv(EnvFileVar, envPath)
	t.Setenv("USER_ID", "env-user")
	t.Setenv("PORT", "7777")

	cfg := Load()

	if cfg.Port != "7777" {
		t.Fatalf("Port = %q, want %q", cfg.Port, "7777")
	}
	if cfg.UserID != "env-user" {
		t.Fatalf("UserID = %q, want %q", cfg.UserID, "env-user")
	}
	if cfg.JWTSecret != "file-secret" {
		t.Fatalf("JWTSecret = %q", cfg.JWTSecret)
	}
}

func TestLoadFallsBackToDefaultsWhenNoEnvFile(t *testing.T) {
	unsetAll(t, append([]string{EnvFileVar}, allKeys...)...)

	cfg := Load()

	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.APIBaseURL != "http://localhost:8080/api" {
		t.Fatalf("APIBaseURL = %q, want default", cfg.APIBaseURL)
	}
	if cfg.CallRingTimeout != 45*time.Second {
		t.Fatalf("CallRingTimeout = %v, want default", cfg.CallRingTimeout)
	}
	if urls := cfg.ICEServerURLs(); len(urls) != 1 || urls[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("ICEServerURLs = %v", urls)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Fatalf("SlogLevel = %v, want info", cfg.SlogLevel())
	}
}

func TestLoadIgnoresInvalidDurations(t *testing.T) {
	unsetAll(t, append([]string{EnvFileVar}, allKeys...)...)
	t.Setenv("CALL_RING_TIMEOUT", "soon")
	t.Setenv("REQUEST_TIMEOUT", "-3s")

	cfg := Load()

	if cfg.CallRingTimeout != 45*time.Second {
		t.Fatalf("CallRingTimeout = %v, want fallback", cfg.CallRingTimeout)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("RequestTimeout = %v, want fallback", cfg.RequestTimeout)
	}
}
