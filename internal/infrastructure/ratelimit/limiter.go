// Package ratelimit counts requests per client in fixed windows. It guards
// the public token endpoints against guessing.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config is a limit of Max requests per Window.
type Config struct {
	Max    int
	Window time.Duration
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.Max <= 0 {
		c.Max = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Prefix == "" {
		c.Prefix = "radportal:rl"
	}
	return c
}

func decide(cfg Config, count int64, ttl time.Duration) Decision {
	d := Decision{Limit: cfg.Max, Allowed: count <= int64(cfg.Max)}
	if remaining := int64(cfg.Max) - count; remaining > 0 {
		d.Remaining = int(remaining)
	}
	if !d.Allowed {
		d.RetryAfter = ttl
		if d.RetryAfter <= 0 {
			d.RetryAfter = cfg.Window
		}
	}
	return d
}

// RedisLimiter shares counters across portal instances.
type RedisLimiter struct {
	rdb *goredis.Client
	cfg Config
	now func() time.Time
}

// NewRedisLimiter creates a limiter on an existing client.
func NewRedisLimiter(rdb *goredis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg.withDefaults(), now: time.Now}
}

// Allow implements Limiter. The counter key carries the window start, and
// INCR plus EXPIRE run in one MULTI so a counter never outlives its window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(l.cfg.Window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.cfg.Prefix, key, windowStart.Unix())

	var incr *goredis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.cfg.Window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	return decide(l.cfg, incr.Val(), windowStart.Add(l.cfg.Window).Sub(now)), nil
}

// NewRedisClient opens a client and verifies it with a ping.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is empty")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// MemoryLimiter keeps counters in process. It is used when no Redis is
// configured and in tests.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]memoryWindow
}

type memoryWindow struct {
	start time.Time
	count int64
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{cfg: cfg.withDefaults(), now: time.Now, windows: make(map[string]memoryWindow)}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	start := now.Truncate(l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if !w.start.Equal(start) {
		w = memoryWindow{start: start}
	}
	w.count++
	l.windows[key] = w

	if len(l.windows) > 10000 {
		for k, other := range l.windows {
			if other.start.Before(start) {
				delete(l.windows, k)
			}
		}
	}

	return decide(l.cfg, w.count, start.Add(l.cfg.Window).Sub(now)), nil
}
