package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meszmate/parley/internal/app"
	"github.com/meszmate/parley/internal/config"
	"github.com/meszmate/parley/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	// Initialize application
	application, err := app.New(cfg, logging.Default())
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		logging.Error("startup: %v", err)
	}

	// Run until interrupted
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	application.Close(shutdownCtx)
}
