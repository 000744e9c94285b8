package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/offline_downloader/internal/bridge"
	"github.com/italolelis/offline_downloader/internal/cleanup"
	"github.com/italolelis/offline_downloader/internal/config"
	"github.com/italolelis/offline_downloader/internal/engine"
	"github.com/italolelis/offline_downloader/internal/engine/binary"
	"github.com/italolelis/offline_downloader/internal/engine/stream"
	"github.com/italolelis/offline_downloader/internal/http/rest"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/monitor"
	"github.com/italolelis/offline_downloader/internal/notifier"
	"github.com/italolelis/offline_downloader/internal/persistence"
	"github.com/italolelis/offline_downloader/internal/persistence/boltdb"
	"github.com/italolelis/offline_downloader/internal/persistence/sqlite"
	"github.com/italolelis/offline_downloader/internal/queue"
	"github.com/italolelis/offline_downloader/internal/retry"
	"github.com/italolelis/offline_downloader/internal/store"
	"github.com/italolelis/offline_downloader/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("offline downloader starting...", "log_level", cfg.LogLevel, "backend", cfg.Backend)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  "offline_downloader",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start State Store
	persister, err := buildPersister(cfg)
	if err != nil {
		return fmt.Errorf("failed to build persistence backend: %w", err)
	}
	defer persister.Close()

	st := store.NewInstrumentedStore(persister, tel)
	st.SetLockTTL(cfg.LockTTL)

	if err := st.Load(ctx); err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}

	logger.Info("state restored", "downloads", st.Size())

	// =========================================================================
	// Start Engines
	client := &http.Client{Timeout: 0}

	binaryEngine := binary.New(cfg.DownloadDir, client)
	streamEngine := stream.New(cfg.DownloadDir, client)

	// =========================================================================
	// Start Queue Coordinator
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	retries := retry.NewPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	defer retries.Destroy()

	coordinator := queue.New(st, retries, []engine.Engine{binaryEngine, streamEngine}, cfg.MaxConcurrent, notif)

	// =========================================================================
	// Start Event Bridge
	events := bridge.New(coordinator, coordinator.Callbacks())
	events.AddSource(binaryEngine, bridge.BinaryProfile())
	events.AddSource(streamEngine, bridge.NativeProfile())
	events.Setup()

	defer events.Teardown()

	coordinator.Run(ctx)

	// =========================================================================
	// Start Monitors
	diskMonitor := monitor.NewDiskMonitor(cfg.DownloadDir, cfg.Monitor.MinFreeBytes, cfg.Monitor.Interval)
	go diskMonitor.Watch(ctx, coordinator.OnLowSpace)

	netMonitor := monitor.NewConnectivityMonitor(cfg.Monitor.ProbeAddress, cfg.Monitor.ProbeTimeout, cfg.Monitor.Interval)
	go netMonitor.Watch(ctx, coordinator.OnConnectivity)

	setupCleanup(ctx, st, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, coordinator, st, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"max_concurrent", cfg.MaxConcurrent,
		"max_retries", cfg.MaxRetries,
	)

	// =========================================================================
	// Wait for Shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// One final flush so progress made since the last periodic persist
		// survives the restart.
		if err := st.Persist(shutdownCtx); err != nil {
			logger.Error("failed to persist final state", "err", err)
		}

		return nil
	}
}

// This is an abstract factory for the persistence backend.
func buildPersister(cfg *config.Config) (persistence.Persister, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlite.New(cfg.DBPath)
	case "bolt":
		return boltdb.New(cfg.DBPath)
	}

	return nil, fmt.Errorf("invalid persistence backend: %s", cfg.Backend)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, coordinator *queue.Coordinator, st *store.InstrumentedStore, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	qHandler := rest.NewQueueHandler(cfg.API.Username, cfg.API.Password, coordinator, st, tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/", qHandler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	traced := otelhttp.NewHandler(r, "offline_downloader",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics"
		}),
	)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      traced,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, st *store.InstrumentedStore, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.Monitor.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if err := cleanup.DeleteOrphanedFiles(ctx, st.GetAll(), cfg.DownloadDir); err != nil {
					logger.Error("failed to delete orphaned files", "err", err)
				}
			}
		}
	}()
}
