package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/EddyLabs/eddy/config"
	"github.com/EddyLabs/eddy/internal/service/web"
	"github.com/EddyLabs/eddy/internal/store"
)

func main() {
	configPath := flag.String("config", "eddy.yaml", "path to the config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := store.Open(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer gateway.Close(context.Background())

	svc := web.NewService(ctx, logger, cfg, gateway)
	if err := svc.Run(); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Application exiting.")
}
