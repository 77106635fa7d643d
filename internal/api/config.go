package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	Driver          string // "sqlite" (default) or "postgres"
	DatabasePath    string // sqlite file path
	DatabaseURL     string // postgres connection string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	PartitionHeader string // request header carrying the partition id

	RateLimitPush  int // POST /v1/sync (push and/or pull) per actor per minute
	RateLimitPull  int // snapshot chunk fetches per actor per minute
	RateLimitOther int // status endpoint per actor per minute

	CORSAllowedOrigins []string // allowed origins; empty = disabled

	ScopeCacheTTL  time.Duration // scope resolver cache TTL
	ScopeCacheSize int           // in-memory scope cache entries
	RedisAddr      string        // optional shared scope cache

	ChunkTTL         time.Duration // snapshot chunk retention
	ChunkCompression string        // "gzip" (default) or "none"

	HeartbeatInterval time.Duration // websocket heartbeat period

	MaintenanceInterval time.Duration // background maintenance tick
	CompactAfter        time.Duration // full-history window before compaction
	KeepNewestCommits   int           // prune floor per partition
	PruneMaxAge         time.Duration // commits older than this are prunable
	EventRetention      time.Duration // console audit row retention
}

// LoadConfig reads configuration from environment variables with sensible
// defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		Driver:          "sqlite",
		DatabasePath:    "./data/syncd.db",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",

		PartitionHeader: "x-sync-partition",

		RateLimitPush:  120,
		RateLimitPull:  240,
		RateLimitOther: 300,

		ScopeCacheTTL:  30 * time.Second,
		ScopeCacheSize: 4096,

		ChunkTTL:         6 * time.Hour,
		ChunkCompression: "gzip",

		HeartbeatInterval: 30 * time.Second,

		MaintenanceInterval: 5 * time.Minute,
		CompactAfter:        72 * time.Hour,
		KeepNewestCommits:   100000,
		PruneMaxAge:         30 * 24 * time.Hour,
		EventRetention:      30 * 24 * time.Hour,
	}

	if v := os.Getenv("SYNCD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SYNCD_DRIVER"); v != "" {
		cfg.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("SYNCD_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SYNCD_DB_URL"); v != "" {
		cfg.DatabaseURL = v
		if os.Getenv("SYNCD_DRIVER") == "" {
			cfg.Driver = "postgres"
		}
	}
	if v := os.Getenv("SYNCD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SYNCD_PARTITION_HEADER"); v != "" {
		cfg.PartitionHeader = strings.ToLower(v)
	}

	if v := os.Getenv("SYNCD_RATE_LIMIT_PUSH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPush = n
		}
	}
	if v := os.Getenv("SYNCD_RATE_LIMIT_PULL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPull = n
		}
	}
	if v := os.Getenv("SYNCD_RATE_LIMIT_OTHER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitOther = n
		}
	}

	if v := os.Getenv("SYNCD_CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	if v := os.Getenv("SYNCD_SCOPE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ScopeCacheTTL = d
		}
	}
	if v := os.Getenv("SYNCD_SCOPE_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ScopeCacheSize = n
		}
	}
	if v := os.Getenv("SYNCD_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}

	if v := os.Getenv("SYNCD_CHUNK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ChunkTTL = d
		}
	}
	if v := os.Getenv("SYNCD_CHUNK_COMPRESSION"); v != "" {
		cfg.ChunkCompression = strings.ToLower(v)
	}

	if v := os.Getenv("SYNCD_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}

	if v := os.Getenv("SYNCD_MAINTENANCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MaintenanceInterval = d
		}
	}
	if v := os.Getenv("SYNCD_COMPACT_AFTER"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.CompactAfter = d
		}
	}
	if v := os.Getenv("SYNCD_KEEP_NEWEST_COMMITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.KeepNewestCommits = n
		}
	}
	if v := os.Getenv("SYNCD_PRUNE_MAX_AGE"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.PruneMaxAge = d
		}
	}
	if v := os.Getenv("SYNCD_EVENT_RETENTION"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.EventRetention = d
		}
	}

	return cfg
}

// parseDaysDuration parses a string like "90d", "30d" into a
// time.Duration. Falls back to time.ParseDuration for standard Go
// durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		if n, err := strconv.Atoi(numStr); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
