// Package main is the entry point for the image analytics server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tiff-analytics/server/internal/api"
	"github.com/tiff-analytics/server/internal/cache"
	"github.com/tiff-analytics/server/internal/config"
	"github.com/tiff-analytics/server/internal/data/tiff"
	"github.com/tiff-analytics/server/internal/imagestore"
	"github.com/tiff-analytics/server/internal/logging"
	"github.com/tiff-analytics/server/internal/media"
	"github.com/tiff-analytics/server/internal/processing"
	"github.com/tiff-analytics/server/internal/render"
	"github.com/tiff-analytics/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	log := logging.Component(logger, "main")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().Int("port", cfg.Server.Port).Str("config", *configPath).Msg("starting image analytics server")

	// Initialize components
	ctx := context.Background()

	store, err := imagestore.NewStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open image store")
	}
	defer store.Close()

	mediaStore, err := media.NewStore(cfg.Storage.MediaDir, cfg.MaxUploadBytes(), logging.Component(logger, "media"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open media directory")
	}
	log.Info().
		Str("media_dir", cfg.Storage.MediaDir).
		Str("sqlite", cfg.Storage.SQLitePath).
		Str("max_upload", humanize.IBytes(uint64(cfg.MaxUploadBytes()))).
		Msg("storage ready")

	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:         time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
		SummaryCacheSize:  cfg.Cache.SummaryEntries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache")
	}
	defer cacheManager.Close()

	// Initialize processing engines
	decomposer, err := processing.DecomposerByName(cfg.Processing.Decomposer)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid decomposer")
	}
	compression, err := tiff.ParseCompression(cfg.Processing.OutputCompression)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid output compression")
	}
	procLog := logging.Component(logger, "processing")
	stats := processing.NewStatsEngine(cfg.Processing.ChunkElements, cfg.Processing.Workers, procLog)
	reducer := processing.NewReducer(decomposer, compression, procLog)

	images := service.NewImageService(service.ImageServiceConfig{
		Store:        store,
		Media:        mediaStore,
		Cache:        cacheManager,
		Stats:        stats,
		Reducer:      reducer,
		Renderer:     render.NewPreviewRenderer("viridis", logging.Component(logger, "render")),
		Decomposer:   cfg.Processing.Decomposer,
		MaxSyncBytes: cfg.MaxSyncBytes(),
		Logger:       logging.Component(logger, "images"),
	})

	// Initialize job manager for analysis jobs
	jobManager := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Store:         store,
		Media:         mediaStore,
		Logger:        logging.Component(logger, "jobs"),
	})
	log.Info().
		Int("max_concurrent", cfg.Jobs.MaxConcurrent).
		Int("retention_days", cfg.Jobs.RetentionDays).
		Msg("analysis job manager ready")

	// Wire up analysis service as job executor
	analysis := service.NewAnalysisService(reducer, mediaStore, logging.Component(logger, "analysis"))
	jobManager.Executor = analysis.ExecuteJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Images:            images,
		JobManager:        jobManager,
		Cache:             cacheManager,
		CORSOrigins:       cfg.Server.CORSOrigins,
		MaxUploadBytes:    cfg.MaxUploadBytes(),
		DefaultComponents: cfg.Processing.DefaultComponents,
		Logger:            logging.Component(logger, "http"),
	})

	// Create HTTP server. Uploads of large images need a long read timeout.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Msgf("server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
