// Package main is the entry point for the cellview server and tools.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/cellview/internal/api"
	"github.com/atlasmap-sc/cellview/internal/cache"
	"github.com/atlasmap-sc/cellview/internal/config"
	"github.com/atlasmap-sc/cellview/internal/render"
	"github.com/atlasmap-sc/cellview/internal/service"
	"github.com/atlasmap-sc/cellview/internal/shard"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "cellview",
		Short:         "single-cell expression viewer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/server.yaml", "Path to configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP server",
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd, newRenderCmd(), newInspectCmd(), newImportCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newViewService builds the renderer and view service. The cache manager is
// nil when withCache is false.
func newViewService(cfg *config.Config, withCache bool) (*service.ViewService, *cache.Manager, error) {
	var cacheManager *cache.Manager
	if withCache {
		var err error
		cacheManager, err = cache.NewManager(cache.Config{
			ImageCacheSizeMB: cfg.Cache.RenderSizeMB,
			ImageTTL:         time.Duration(cfg.Cache.RenderTTLMinutes) * time.Minute,
			QueryCacheSize:   cfg.Cache.QueryCacheSize,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	renderer := render.NewScatterRenderer(render.Config{
		Width:           cfg.Render.Width,
		Height:          cfg.Render.Height,
		PointRadius:     cfg.Render.PointRadius,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	views, err := service.NewViewService(service.ViewServiceConfig{
		Cache:             cacheManager,
		Renderer:          renderer,
		Shard:             shard.Options{Size: cfg.Pipeline.ShardSize, Workers: cfg.Pipeline.Workers},
		ProjectionEntries: cfg.Cache.ProjectionEntries,
	})
	if err != nil {
		if cacheManager != nil {
			cacheManager.Close()
		}
		return nil, nil, err
	}
	return views, cacheManager, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Printf("Starting cellview server on port %d", cfg.Server.Port)

	views, cacheManager, err := newViewService(cfg, true)
	if err != nil {
		return err
	}
	defer cacheManager.Close()

	registry, err := api.NewRegistryFromConfig(cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	log.Printf("Initialized %d dataset(s), default: %s", len(registry.DatasetIDs()), registry.DefaultDatasetID())
	for _, info := range registry.Datasets() {
		log.Printf("  [%s] %s", info.ID, info.Source)
	}

	sessions, err := api.NewSessionManager(registry, cfg.Cache.MaxSessions)
	if err != nil {
		return err
	}
	defer sessions.Close()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Sessions:    sessions,
		Views:       views,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
	return nil
}
