// Package config loads process configuration from the environment and the
// engine catalogue from YAML.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/enginebridge/internal/cache"
)

const (
	defaultListenAddr   = ":8080"
	defaultCacheBackend = cache.BackendSQLite
	defaultDBPath       = "enginebridge.db"
	defaultEnginesFile  = "engines.yaml"
	defaultGuestPort    = 1024

	envListenAddr       = "ENGINEBRIDGE_LISTEN_ADDR"
	envLogLevel         = "ENGINEBRIDGE_LOG_LEVEL"
	envCacheBackend     = "ENGINEBRIDGE_CACHE_BACKEND"
	envDBPath           = "ENGINEBRIDGE_DB_PATH"
	envRedisAddr        = "ENGINEBRIDGE_REDIS_ADDR"
	envRedisDB          = "ENGINEBRIDGE_REDIS_DB"
	envCacheMaxEntries  = "ENGINEBRIDGE_CACHE_MAX_ENTRIES"
	envProduction       = "ENGINEBRIDGE_PRODUCTION"
	envOrigin           = "ENGINEBRIDGE_ORIGIN"
	envEnginesFile      = "ENGINEBRIDGE_ENGINES_FILE"
	envFetchTimeout     = "ENGINEBRIDGE_FETCH_TIMEOUT"
	envHandshakeTimeout = "ENGINEBRIDGE_HANDSHAKE_TIMEOUT"
	envDrainTimeout     = "ENGINEBRIDGE_DRAIN_TIMEOUT"
	envGuestPort        = "ENGINEBRIDGE_GUEST_PORT"
	envGuestEngine      = "ENGINEBRIDGE_GUEST_ENGINE"
	envGuestArgs        = "ENGINEBRIDGE_GUEST_ARGS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	Cache cache.Options

	// Production forbids unsafe integrity bypasses.
	Production bool
	// Origin is the host origin network engine endpoints must share.
	Origin      string
	EnginesFile string

	FetchTimeout     time.Duration
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration

	GuestPort   uint32
	GuestEngine string
	GuestArgs   []string
}

// Load reads configuration from environment variables with sensible defaults.
// Zero durations mean the component default.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   slog.LevelInfo,
		Cache: cache.Options{
			Backend:   defaultCacheBackend,
			DBPath:    defaultDBPath,
			KeyPrefix: cache.DefaultKeyPrefix,
		},
		EnginesFile: defaultEnginesFile,
		GuestPort:   defaultGuestPort,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envCacheBackend); v != "" {
		cfg.Cache.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.Cache.DBPath = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if n, ok := envInt(envRedisDB); ok {
		cfg.Cache.RedisDB = n
	}
	if n, ok := envInt(envCacheMaxEntries); ok {
		cfg.Cache.MaxEntries = n
	}
	if v := os.Getenv(envProduction); v != "" {
		cfg.Production = parseBool(v)
	}
	if v := os.Getenv(envOrigin); v != "" {
		cfg.Origin = v
	}
	if v := os.Getenv(envEnginesFile); v != "" {
		cfg.EnginesFile = v
	}
	cfg.FetchTimeout = envDuration(envFetchTimeout)
	cfg.HandshakeTimeout = envDuration(envHandshakeTimeout)
	cfg.DrainTimeout = envDuration(envDrainTimeout)
	if n, ok := envInt(envGuestPort); ok && n > 0 {
		cfg.GuestPort = uint32(n)
	}
	if v := os.Getenv(envGuestEngine); v != "" {
		cfg.GuestEngine = v
	}
	if v := os.Getenv(envGuestArgs); v != "" {
		cfg.GuestArgs = strings.Fields(v)
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
