package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvFileVar names the optional env file read before the environment.
const EnvFileVar = "MESSAGEHUB_ENV_FILE"

type Config struct {
	// Client session
	APIBaseURL      string
	EventsURL       string
	AuthToken       string
	UserID          string
	StunServers     string
	TurnServer      string
	TurnUsername    string
	TurnPassword    string
	CallRingTimeout time.Duration
	RequestTimeout  time.Duration
	LogLevel        string
	Locale          string
	MetricsAddr     string

	// Relay server
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	MaxUploadSize   int64
	FileStoragePath string
}

// Load reads configuration from the environment. Values from the file named
// by MESSAGEHUB_ENV_FILE fill in keys the environment does not set.
func Load() *Config {
	if path, ok := os.LookupEnv(EnvFileVar); ok && path != "" {
		if err := godotenv.Load(path); err != nil {
			slog.Warn("config: could not read env file", "path", path, "err", err)
		}
	}

	return &Config{
		APIBaseURL:      getEnv("API_BASE_URL", "http://localhost:8080/api"),
		EventsURL:       getEnv("EVENTS_URL", "ws://localhost:8080/ws"),
		AuthToken:       getEnv("AUTH_TOKEN", ""),
		UserID:          getEnv("USER_ID", ""),
		StunServers:     getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302"),
		TurnServer:      getEnv("TURN_SERVER", ""),
		TurnUsername:    getEnv("TURN_USERNAME", ""),
		TurnPassword:    getEnv("TURN_PASSWORD", ""),
		CallRingTimeout: parseDuration(getEnv("CALL_RING_TIMEOUT", "45s"), 45*time.Second),
		RequestTimeout:  parseDuration(getEnv("REQUEST_TIMEOUT", "15s"), 15*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Locale:          getEnv("LOCALE", "en"),
		MetricsAddr:     getEnv("METRICS_ADDR", ""),

		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/messagehub.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxUploadSize:   parseInt64(getEnv("MAX_UPLOAD_SIZE", "10485760")), // 10MB default
		FileStoragePath: getEnv("FILE_STORAGE_PATH", "./data/uploads"),
	}
}

// ICEServerURLs splits STUN_SERVERS on commas, dropping blanks.
func (c *Config) ICEServerURLs() []string {
	var urls []string
	for _, u := range strings.Split(c.StunServers, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 10485760 // 10MB default
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
