// Package lock serializes work on a single report across goroutines or,
// with Redis, across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when the lock is held elsewhere past the deadline.
var ErrNotObtained = errors.New("lock not obtained")

// Locker hands out exclusive locks keyed by string.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine
// holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*entry{}}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*entry{}
	}
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}, nil
}

func (k *KeyedMutex) unref(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Size returns the number of keys currently tracked.
func (k *KeyedMutex) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// RedisLocker obtains locks through redislock so several API processes
// sharing one database still serialize actions on a report.
type RedisLocker struct {
	Client *redislock.Client
	TTL    time.Duration
	// Retry is the total time spent retrying a held lock.
	Retry  time.Duration
	Prefix string
}

func NewRedisLocker(addr string, ttl time.Duration) (*RedisLocker, *redis.Client) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisLocker{
		Client: redislock.New(rdb),
		TTL:    ttl,
		Retry:  5 * time.Second,
		Prefix: "ems:lock:",
	}, rdb
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	opts := &redislock.Options{}
	if r.Retry > 0 {
		backoff := 50 * time.Millisecond
		opts.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(backoff), int(r.Retry/backoff))
	}
	l, err := r.Client.Obtain(ctx, r.Prefix+key, ttl, opts)
	if err == redislock.ErrNotObtained {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func() {
		// lock expires on its own if release fails
		_ = l.Release(context.Background())
	}, nil
}
