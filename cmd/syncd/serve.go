package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/syncular/syncd/internal/api"
	"github.com/syncular/syncd/internal/realtime"
	"github.com/syncular/syncd/internal/serverdb"
	syncpkg "github.com/syncular/syncd/internal/sync"
	"github.com/syncular/syncd/internal/syncdb"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := api.LoadConfig()

		db, dialect, err := api.OpenDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		store := syncdb.NewStore(db, dialect)

		console, err := serverdb.Open(db, dialect)
		if err != nil {
			return err
		}

		var cache syncpkg.Cache
		if cfg.RedisAddr != "" {
			cache = syncpkg.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
			slog.Info("scope cache backend", "kind", "redis", "addr", cfg.RedisAddr)
		} else {
			cache = syncpkg.NewMemoryCache(cfg.ScopeCacheSize, cfg.ScopeCacheTTL)
		}
		resolver := syncpkg.NewScopeResolver(cache, cfg.ScopeCacheTTL)

		handlers, err := registerHandlers(db, dialect)
		if err != nil {
			return err
		}

		engine := syncpkg.NewEngine(store, handlers, resolver, nil, syncpkg.Options{
			ChunkTTL:         cfg.ChunkTTL,
			ChunkCompression: cfg.ChunkCompression,
		})

		hub := realtime.NewHub(cfg.HeartbeatInterval)

		srv, err := api.NewServer(cfg, engine, console, hub, nil)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Start(); err != nil {
			return err
		}
		slog.Info("server started", "addr", cfg.ListenAddr, "driver", dialect.Name())

		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
