package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdantlabs/trellis/internal/api"
	"github.com/verdantlabs/trellis/internal/bus"
	"github.com/verdantlabs/trellis/internal/cache"
	"github.com/verdantlabs/trellis/internal/config"
	"github.com/verdantlabs/trellis/internal/marketplace"
	"github.com/verdantlabs/trellis/internal/netmon"
	"github.com/verdantlabs/trellis/internal/queue"
	"github.com/verdantlabs/trellis/internal/realtime"
	"github.com/verdantlabs/trellis/internal/stats"
	"github.com/verdantlabs/trellis/internal/store"
	"github.com/verdantlabs/trellis/internal/upload"
	"github.com/verdantlabs/trellis/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "trellis",
	Short: "Trellis - offline-first sync daemon for the plant marketplace",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Restore sync statistics
	tracker := stats.NewTracker(db)
	if err := tracker.Load(ctx); err != nil {
		slog.Warn("stats restore failed, starting fresh", "error", err)
	}

	// 6. Connectivity monitor
	monitor := netmon.NewProbeMonitor(
		cfg.ProbeEndpoint(),
		time.Duration(cfg.Network.ProbeInterval),
		time.Duration(cfg.Network.ProbeTimeout),
	)

	// 7. Remote marketplace client and image uploader
	remote := marketplace.NewHTTPClient(
		cfg.API.BaseURL,
		cfg.API.Token,
		cfg.API.UserEmail,
		time.Duration(cfg.API.Timeout),
	)
	uploader, err := upload.NewUploader(cfg.Uploads, remote)
	if err != nil {
		return fmt.Errorf("configure uploads: %w", err)
	}

	// 8. Broadcast bus and response cache
	broadcaster := bus.New(nil)
	responseCache := cache.New(db)

	// 9. Operation queue
	queueMgr, err := queue.NewManager(ctx, db, remote, uploader, monitor, tracker, broadcaster, cfg.Queue)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	defer queueMgr.Close()

	// 10. Realtime connection manager
	transport := realtime.NewWebsocketTransport(
		cfg.NegotiateEndpoint(),
		cfg.API.Token,
		cfg.API.UserEmail,
		time.Duration(cfg.Realtime.HandshakeTimeout),
	)
	rtm := realtime.NewManager(transport, cfg.API.UserEmail, cfg.Realtime)
	go func() {
		// Initial connect; failures schedule reconnection on their own.
		if err := rtm.Initialize(context.Background()); err != nil {
			slog.Warn("initial realtime connect failed", "error", err)
		}
	}()

	// 11. Local status/control API
	handler := api.NewHandler(queueMgr, rtm, tracker, db, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 12. Background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "netmon", monitor.Run)
	startWorker(ctx, &wg, "flush-coordinator",
		worker.NewFlushCoordinator(queueMgr, time.Duration(cfg.Worker.FlushInterval)).Run)
	startWorker(ctx, &wg, "cache-sweeper",
		worker.NewCacheSweeper(responseCache, time.Duration(cfg.Worker.CacheSweepInterval)).Run)

	// 13. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error on graceful shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 14. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 15. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 15a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 15b. Wait for workers to complete
	wg.Wait()

	// 15c. Tear down the realtime connection
	rtm.Shutdown(shutdownCtx)

	// 15d. Persist final stats and close the store
	tracker.Persist(shutdownCtx)
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
