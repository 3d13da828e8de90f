package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/EddyLabs/eddy/config"
	"github.com/EddyLabs/eddy/internal/notifier"
	"github.com/EddyLabs/eddy/internal/service/sock"
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

	n := notifier.New(notifier.Config{
		Logger:     logger,
		BufferSize: cfg.Sessions.SubscriptionBufferSize,
	})
	defer n.Close()

	// The notifier tails the store's changelog for the life of the
	// process; a store outage degrades delivery but never kills us.
	go func() {
		if err := n.Run(ctx, gateway); err != nil && ctx.Err() == nil {
			logger.Error("Change feed loop exited", "error", err)
		}
	}()

	svc := sock.NewService(ctx, logger, cfg, n)
	if err := svc.Run(); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Application exiting.")
}
