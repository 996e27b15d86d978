// Package queue selects the durable FIFO that holds alerts deferred outside active hours.
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"route-deal-alerts/internal/config"
	"route-deal-alerts/internal/storage"
)

// Open returns the configured night queue and a close function.
// The "store" driver reuses the run's Store.
func Open(ctx context.Context, cfg config.QueueConfig, store storage.AlertQueue, logger zerolog.Logger) (storage.AlertQueue, func(), error) {
	switch cfg.Driver {
	case "", "store":
		return store, func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Debug().Str("component", "queue").Str("addr", cfg.Redis.Addr).Str("key", cfg.Redis.Key).Msg("redis night queue ready")
		return NewRedisQueue(client, cfg.Redis.Key), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}
