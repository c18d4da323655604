package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postscheduler-go/internal/app"
	"postscheduler-go/internal/config"
	"postscheduler-go/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postscheduler: failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postscheduler: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create a new application instance
	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create application")
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("Application failed to start")
	}

	<-ctx.Done()
	log.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during graceful shutdown")
		os.Exit(1)
	}

	log.Info("Application has stopped.")
}
