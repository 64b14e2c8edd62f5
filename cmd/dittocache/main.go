package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/config"
	"github.com/marmos91/dittocache/pkg/service"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// CLI flag overrides the configured level
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	fmt.Println("DittoCache - content-addressable file cache")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Blob store: %s", cfg.Blob.Type)
	logger.Info("Meta store: %s", cfg.Meta.Type)
	logger.Info("Index budget: %d bytes", cfg.Index.BudgetBytes)
	if cfg.Backup.Enabled {
		logger.Info("Backups: %s every %s, retention %s", cfg.Backup.Target, cfg.Backup.Interval, cfg.Backup.RetentionAge)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to assemble service: %v", err)
	}

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}

	// Block until SIGINT or SIGTERM, then shut down gracefully within
	// the configured timeout.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal %s, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
		os.Exit(1)
	}
}
