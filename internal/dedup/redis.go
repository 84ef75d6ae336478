package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "fortune:webhook:event:"

// RedisStore shares the dedup set between API instances. Expiry is left
// to Redis key TTLs.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.prefix+key, time.Now().Unix(), ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}
