package client

import (
	"context"
	"fmt"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/config"

	"github.com/redis/go-redis/v9"
)

// InitRedisClient connects to Redis and verifies the connection with a
// bounded ping.
func InitRedisClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 100,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}

	return rdb, nil
}
