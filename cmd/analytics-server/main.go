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

	"github.com/market-analytics-engine/internal/api"
	"github.com/market-analytics-engine/internal/config"
	"github.com/market-analytics-engine/internal/storage"
	"github.com/market-analytics-engine/pkg/observability"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := observability.NewLogger(cfg.Observability)
	metrics := observability.NewMetrics(nil)

	// Open the data store
	store, err := storage.NewSqliteProvider(cfg.Database.Path, logger)
	if err != nil {
		logger.Error(context.Background(), "Failed to open database", err, map[string]interface{}{
			"path": cfg.Database.Path,
		})
		os.Exit(1)
	}
	defer store.Close()

	// Setup API server
	apiServer := api.NewServer(cfg, logger, metrics, store)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info(context.Background(), "Starting analytics server", map[string]interface{}{
			"host":     cfg.Server.Host,
			"port":     cfg.Server.Port,
			"database": cfg.Database.Path,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(context.Background(), "Failed to start server", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(context.Background(), "Shutting down analytics server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "Server forced to shutdown", err)
	}

	logger.Info(context.Background(), "Analytics server stopped")
}
