package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/EddyLabs/eddy/config"
)

// Open builds the configured backend and wraps it in a gateway. This is
// the single construction path both daemons use.
func Open(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*Gateway, error) {
	var backend Backend
	var err error

	switch cfg.Store.Backend {
	case config.BackendMongo:
		backend, err = NewMongo(ctx, MongoConfig{
			Logger:       logger,
			URI:          cfg.Store.URI,
			Database:     cfg.Store.Database,
			PollInterval: cfg.Store.PollInterval,
		})
	case config.BackendLocal:
		backend, err = NewLocal(LocalConfig{
			Logger:    logger,
			Directory: cfg.Store.Directory,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, err
	}

	return NewGateway(logger, backend, cfg.Retry), nil
}
