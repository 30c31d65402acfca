// Package main is the entry point for the spatial plot server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spatialplot/server/internal/api"
	"github.com/spatialplot/server/internal/cache"
	"github.com/spatialplot/server/internal/config"
	"github.com/spatialplot/server/internal/data/soma"
	"github.com/spatialplot/server/internal/data/zarr"
	"github.com/spatialplot/server/internal/render"
	"github.com/spatialplot/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	preload := flag.Bool("preload", false, "Load every dataset before accepting requests")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting spatial plot server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		FigureCacheSizeMB: cfg.Cache.FigureSizeMB,
		FigureTTL:         time.Duration(cfg.Cache.FigureTTLMinutes) * time.Minute,
		MaxFigureSizeKB:   cfg.Cache.MaxFigureSizeKB,
		QueryCacheSize:    cfg.Cache.QueryCacheEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize figure renderer (shared across all datasets)
	renderer := render.NewFigureRenderer(render.Config{
		FigDir:      cfg.Render.FigDir,
		JPEGQuality: cfg.Render.JPEGQuality,
		MaxPixels:   cfg.Render.MaxPixels,
	})
	defaults := service.Defaults{
		Cmap:    cfg.Render.DefaultColormap,
		Frameon: cfg.Render.Frameon,
		Figsize: cfg.Render.Figsize,
		DPI:     cfg.Render.DPI,
	}

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		zarrReader, err := zarr.NewReader(ds.ZarrPath)
		if err != nil {
			log.Fatalf("Failed to initialize Zarr reader for dataset %q: %v", datasetID, err)
		}
		md := zarrReader.Metadata()
		log.Printf("  [%s] Loaded from: %s", datasetID, ds.ZarrPath)
		log.Printf("    Observations: %d, Genes: %d, Obsm: %v", md.NObs, len(md.VarNames), md.Obsm)

		var somaReader *soma.Reader
		if ds.SomaPath != "" {
			r, err := soma.NewReader(ds.SomaPath)
			if err != nil {
				log.Printf("  [%s] SOMA not initialized: %v", datasetID, err)
			} else {
				somaReader = r
				log.Printf("  [%s] SOMA experiment: %s (supported=%v)", datasetID, somaReader.ExperimentURI(), somaReader.Supported())
			}
		}

		plotService := service.NewPlotService(service.PlotServiceConfig{
			DatasetID:  datasetID,
			Source:     zarrReader,
			SomaReader: somaReader,
			Cache:      cacheManager,
			Renderer:   renderer,
			Defaults:   defaults,
		})
		registry.Register(datasetID, plotService)

		if *preload {
			start := time.Now()
			if _, err := plotService.Dataset(); err != nil {
				log.Fatalf("Failed to load dataset %q: %v", datasetID, err)
			}
			log.Printf("  [%s] Preloaded in %v", datasetID, time.Since(start).Round(time.Millisecond))
		}
	}

	// Initialize job manager for render jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Render job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up render service as job executor
	jobService := service.NewRenderJobService(registry)
	jobManager.Executor = jobService.ExecuteRenderJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Cache:       cacheManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
