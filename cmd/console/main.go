// Package main is the entry point of the cochlear-implant outcome console.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ci-outcome-console/internal/api"
	"github.com/ci-outcome-console/internal/catalog"
	"github.com/ci-outcome-console/internal/config"
	"github.com/ci-outcome-console/internal/logging"
	"github.com/ci-outcome-console/pkg/backend"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := logging.New(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"addr":        cfg.Server.Host,
		"port":        cfg.Server.Port,
		"backend":     cfg.Backend.BaseURL,
	}).Info("Starting CI outcome console")

	if configManager.IsProduction() {
		for _, origin := range cfg.Server.AllowedOrigins {
			if origin == "*" {
				logger.Warn("Wildcard CORS origin configured in production")
			}
		}
	}

	client := backend.NewClient(cfg.Backend, logger)

	// The catalog records load failures itself; the console starts anyway
	// and a later reload or locale switch retries.
	store := catalog.New(client,
		catalog.WithLogger(logger),
		catalog.WithDefaultLocale(cfg.Catalog.DefaultLocale),
	)
	initCtx, initCancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout+5*time.Second)
	store.Init(initCtx)
	initCancel()
	if snap := store.Snapshot(); !snap.Ready() {
		logger.WithField("error", snap.Err).Warn("Feature catalog not ready at startup")
	}

	server, err := api.NewServer(configManager, client, store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Console stopped")
}
