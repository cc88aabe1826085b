package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"runlog/pkg/persistence"
	"runlog/pkg/persistence/file"
	"runlog/pkg/persistence/postgresql"
	"runlog/pkg/persistence/redis"
)

// NewPersistence selects the run store from the database url scheme,
// defaulting to file-based storage.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case redis.IsRedisURL(databaseURL):
		p, err := redis.NewPersistence(databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create redis persistence: %w", err))
		}

		return p
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create postgres persistence: %w", err))
		}

		return p
	default:
		return file.NewPersistence(databaseURL)
	}
}
