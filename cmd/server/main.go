// Package main is the entry point for the NeuroFusion dashboard server.
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

	"github.com/neurofusion/server/internal/api"
	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/cache"
	"github.com/neurofusion/server/internal/config"
	"github.com/neurofusion/server/internal/logging"
	"github.com/neurofusion/server/internal/render"
	"github.com/neurofusion/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file (.yaml or .toml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()

	log.Printf("Starting NeuroFusion server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Atlas source and expression source (shared across all resolutions)
	stack, err := service.OpenStack(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize data sources: %v", err)
	}
	defer stack.Close()
	log.Printf("Atlas %s, expression source: %s", cfg.Atlas.Name, stack.Tables.SourceKind())

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageSizeMB,
		ImageTTL:         time.Duration(cfg.Cache.ImageTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize stat map renderer
	renderer := render.NewStatMapRenderer(render.Config{
		CellSize:        cfg.Render.CellSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Initialize explorer registry
	explorers, err := stack.Explorers(cfg, cacheManager, renderer)
	if err != nil {
		log.Fatalf("Failed to initialize explorers: %v", err)
	}
	registry := api.NewExplorerRegistry(atlas.Resolution(cfg.Atlas.DefaultResolution), cfg.Server.Title)
	for _, e := range explorers {
		registry.Register(e)
	}
	log.Printf("Serving %d resolution(s), default: %s", len(explorers), registry.DefaultResolution())

	if cfg.Server.Preload {
		for _, e := range explorers {
			if err := e.Load(ctx); err != nil {
				log.Printf("  [%s] preload failed: %v", e.Resolution(), err)
				continue
			}
			log.Printf("  [%s] preloaded", e.Resolution())
		}
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
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
