// Package lock serializes work on a single order across goroutines, or
// across processes when Redis is configured.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

type Locker interface {
	// Obtain blocks until key is held or ctx is done. The returned func
	// releases the lock.
	Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// MemoryLocker hands out one channel-backed mutex per key.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*entry)}
}

func (l *MemoryLocker) Obtain(ctx context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, errors.Join(ErrNotObtained, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, e, true) })
	}, nil
}

func (l *MemoryLocker) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisLocker wraps redislock. Waiting callers retry with a linear backoff.
type RedisLocker struct {
	client  *redislock.Client
	prefix  string
	backoff time.Duration
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{
		client:  redislock.New(rdb),
		prefix:  "fortune:lock:",
		backoff: 100 * time.Millisecond,
	}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lk, err := l.client.Obtain(ctx, l.prefix+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrNotObtained
		}
		return nil, err
	}

	return func() {
		_ = lk.Release(context.Background())
	}, nil
}
