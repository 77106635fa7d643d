package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/syncular/syncd/internal/realtime"
	"github.com/syncular/syncd/internal/serverdb"
	syncpkg "github.com/syncular/syncd/internal/sync"
	"github.com/syncular/syncd/internal/syncdb"
)

// AuthenticateFunc is the host-provided authenticate callback. Returning
// (nil, nil) means unauthenticated (401).
type AuthenticateFunc func(r *http.Request) (*syncpkg.Auth, error)

// Server is the HTTP dispatcher over the sync engine: the sync endpoint,
// chunk fetch, websocket upgrade, and admin surface.
type Server struct {
	config      Config
	http        *http.Server
	engine      *syncpkg.Engine
	store       *syncdb.Store
	console     *serverdb.ConsoleDB
	hub         *realtime.Hub
	metrics     *Metrics
	rateLimiter *RateLimiter
	authFn      AuthenticateFunc
	cancel      context.CancelFunc
}

// NewServer wires the dispatcher. authFn may be nil, which enables the
// built-in api-key authenticator against the console store.
func NewServer(cfg Config, engine *syncpkg.Engine, console *serverdb.ConsoleDB, hub *realtime.Hub, authFn AuthenticateFunc) (*Server, error) {
	s := &Server{
		config:      cfg,
		engine:      engine,
		store:       engine.Store(),
		console:     console,
		hub:         hub,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
		authFn:      authFn,
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// OpenDatabase opens the configured backing store and returns the handle
// with its dialect, with the sync schema ensured.
func OpenDatabase(cfg Config) (*sql.DB, syncdb.Dialect, error) {
	var db *sql.DB
	var d syncdb.Dialect
	var err error

	switch cfg.Driver {
	case "postgres":
		d = syncdb.Postgres{}
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(5 * time.Minute)
	case "sqlite", "":
		d = syncdb.SQLite{}
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("create db dir: %w", err)
		}
		db, err = sql.Open("sqlite", cfg.DatabasePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("set busy timeout: %w", err)
		}
		db.Exec("PRAGMA synchronous=NORMAL")
		db.Exec("PRAGMA foreign_keys=ON")
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}

	if err := syncdb.EnsureSyncSchema(db, d); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, d, nil
}

// Start begins listening for HTTP requests (non-blocking) and launches
// the background maintenance loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.maintenanceLoop(ctx)

	return nil
}

// maintenanceLoop runs debounced compaction, pruning, chunk expiry, and
// console retention on a ticker.
func (s *Server) maintenanceLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("maintenance panic", "panic", r)
		}
	}()
	ticker := time.NewTicker(s.config.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.MaybeCompactChanges(ctx, s.config.MaintenanceInterval, s.config.CompactAfter); err != nil {
				slog.Error("compact changes", "err", err)
			}
			if _, err := s.store.MaybePruneCommits(ctx, s.config.MaintenanceInterval, s.config.KeepNewestCommits, s.config.PruneMaxAge); err != nil {
				slog.Error("prune commits", "err", err)
			}
			if n, err := s.store.DeleteExpiredChunks(ctx, time.Now()); err != nil {
				slog.Error("delete expired chunks", "err", err)
			} else if n > 0 {
				slog.Info("deleted expired chunks", "count", n)
			}
			if s.console != nil {
				if _, err := s.console.PruneEvents(s.config.EventRetention, s.config.EventRetention); err != nil {
					slog.Error("prune console events", "err", err)
				}
				if _, err := s.console.CleanupRateLimitEvents(s.config.EventRetention); err != nil {
					slog.Error("cleanup rate limit events", "err", err)
				}
			}
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Sync
	mux.HandleFunc("POST /v1/sync", s.requireAuth(s.withRateLimit(s.handleSync, "push", s.config.RateLimitPush)))
	mux.HandleFunc("GET /v1/sync/status", s.requireAuth(s.withRateLimit(s.handleSyncStatus, "other", s.config.RateLimitOther)))
	mux.HandleFunc("GET /v1/sync/ws", s.requireAuth(s.handleWebSocket))
	mux.HandleFunc("GET /sync/snapshot-chunks/{chunkID}", s.requireAuth(s.withRateLimit(s.handleChunkFetch, "pull", s.config.RateLimitPull)))

	// Admin
	mux.HandleFunc("DELETE /v1/sync/clients/{clientID}", s.requireAdminScope(s.handleEvictClient))
	mux.HandleFunc("GET /v1/sync/clients", s.requireAdminScope(s.handleListClients))

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware,
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		s.corsMiddleware,
		maxBytesMiddleware(10<<20),
	)
}

// handleHealth returns a health check response, pinging the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
