// Package main is the entry point for the photo store daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Vanuan/photo-management-sub002/internal/config"
	"github.com/Vanuan/photo-management-sub002/internal/coordinator"
	"github.com/Vanuan/photo-management-sub002/internal/logging"
	"github.com/Vanuan/photo-management-sub002/internal/metadata"
	"github.com/Vanuan/photo-management-sub002/internal/metrics"
	"github.com/Vanuan/photo-management-sub002/internal/reconcile"
	"github.com/Vanuan/photo-management-sub002/internal/server"
	"github.com/Vanuan/photo-management-sub002/internal/storage"
	"github.com/Vanuan/photo-management-sub002/internal/urlcache"
)

func main() {
	configPath := flag.String("config", "photostore.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override ops server port (default: from config or 9100)")
	host := flag.String("host", "", "override ops server host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	backend := flag.String("storage-backend", "", "blob backend: s3, local, memory (default: from config or s3)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout (default: from config or 30s)")
	noReconcile := flag.Bool("no-reconcile", false, "disable the background consistency reconciler")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *noReconcile {
		cfg.Reconciler.Enabled = false
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Server.Metrics {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Every startup is recovery: SQLite replays its WAL on open, migrations
	// are applied idempotently, the local backend drops interrupted writes,
	// and the reconciler's startup sweep repairs whatever a crash left
	// half-done between the two stores.
	dbPath := cfg.Metadata.SQLite.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create metadata directory: %v\n", err)
		os.Exit(1)
	}
	metaStore, err := metadata.NewSQLiteStore(metadata.DSN(dbPath, cfg.Metadata.SQLite.BusyTimeout), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	coordOpts := coordinator.OptionsFromConfig(cfg)

	blobs, err := openBlobStore(ctx, cfg, coordOpts.Buckets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize blob store: %v\n", err)
		os.Exit(1)
	}

	// The cache fronts the coordinator's read path and is told about
	// deletes so it never serves a URL for a removed photo.
	var cache *urlcache.Cache
	coordOpts.OnDelete = func(id string) { cache.Invalidate(id) }
	coord := coordinator.New(metaStore, blobs, coordOpts, logger)
	cache = urlcache.New(coord, urlcache.OptionsFromConfig(cfg), logger)
	cache.Start(ctx)
	defer cache.Stop()

	rec := reconcile.New(metaStore, blobs, reconcile.OptionsFromConfig(cfg, coordOpts.Buckets), logger)
	if cfg.Reconciler.Enabled {
		rec.Start(ctx)
		defer rec.Stop()
	} else {
		logger.Info("consistency reconciler disabled")
	}

	srv, err := server.New(cfg,
		server.WithMetadataStore(metaStore),
		server.WithBlobStore(server.PingFunc(blobs.HealthCheck)),
		server.WithReconciler(rec),
		server.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		logger.Info("server stopped")

	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openBlobStore builds the configured blob backend.
func openBlobStore(ctx context.Context, cfg *config.Config, buckets storage.Buckets) (storage.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "memory":
		slog.Warn("using in-memory blob store, contents are lost on exit")
		return storage.NewMemoryBackend(cfg.Storage.PresignBaseURL), nil
	case "local":
		local, err := storage.NewLocalBackend(cfg.Storage.Local.RootDir, cfg.Storage.PresignBaseURL, buckets.All())
		if err != nil {
			return nil, err
		}
		// Crash-only recovery: drop writes interrupted by a previous crash.
		if n, err := local.CleanTempFiles(); err != nil {
			slog.Warn("failed to clean temp files", "error", err)
		} else if n > 0 {
			slog.Info("removed interrupted writes", "count", n)
		}
		slog.Info("blob store initialized", "backend", "local", "root", cfg.Storage.Local.RootDir)
		return local, nil
	default:
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return storage.NewS3Backend(initCtx, storage.S3Options{
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			Buckets:         buckets.All(),
		})
	}
}
