package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"defidash/go-backend/internal/composition/credserver"
	"defidash/go-backend/internal/config"
	"defidash/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to credd.yaml (optional)")
	listenAddr := flag.String("listen", "", "HTTP listen address override")
	dataDir := flag.String("data-dir", "", "Directory for the encrypted credential store (optional)")
	storeBackend := flag.String("store", "", "Record store override: memory | file | postgres")
	counterBackend := flag.String("counter", "", "Usage counter override: memory | redis")
	flag.Parse()
	if *showVersion {
		fmt.Printf("credd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "credd: invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *storeBackend != "" {
		cfg.StoreBackend = *storeBackend
	}
	if *counterBackend != "" {
		cfg.CounterBackend = *counterBackend
	}

	logger := privacylog.NewJSONLogger(os.Stderr, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := credserver.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("credd failed to initialize", "error", err)
		os.Exit(1)
	}

	logger.Info("credd starting", "version", version, "commit", commit)
	if err := app.Run(ctx); err != nil {
		logger.Error("credd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("credd stopped")
}
