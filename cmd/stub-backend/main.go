// Package main runs the reference prediction backend the console can be
// developed and tested against.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ci-outcome-console/internal/config"
	"github.com/ci-outcome-console/internal/feedback"
	"github.com/ci-outcome-console/internal/logging"
	"github.com/ci-outcome-console/internal/stubapi"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := logging.New(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := feedback.Open(ctx, cfg.Feedback, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open feedback store")
	}
	defer store.Close()

	logger.WithFields(logrus.Fields{
		"port":            cfg.StubAPI.Port,
		"feedback_driver": cfg.Feedback.Driver,
	}).Info("Starting reference backend")

	server, err := stubapi.NewServer(cfg, store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create reference backend")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Reference backend failed")
		return
	}

	logger.Info("Reference backend stopped")
}
