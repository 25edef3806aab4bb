package ratelimit

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestMemoryLimiterFixedWindow(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(Config{Max: 3, Window: time.Minute})
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "10.0.0.1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v, %v", i, d, err)
		}
		if d.Remaining != 3-i {
			t.Errorf("request %d: remaining = %d", i, d.Remaining)
		}
	}

	clock = clock.Add(20 * time.Second)
	d, _ := l.Allow(ctx, "10.0.0.1")
	if d.Allowed {
		t.Fatal("fourth request in window allowed")
	}
	if d.RetryAfter != 40*time.Second {
		t.Errorf("retry after = %v, want 40s", d.RetryAfter)
	}

	if d, _ := l.Allow(ctx, "10.0.0.2"); !d.Allowed {
		t.Error("other client limited")
	}

	clock = clock.Add(time.Minute)
	if d, _ := l.Allow(ctx, "10.0.0.1"); !d.Allowed {
		t.Error("new window still limited")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Max != 60 || cfg.Window != time.Minute || cfg.Prefix == "" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestRedisLimiterReportsUnavailableBackend(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	if _, err := NewRedisLimiter(rdb, Config{}).Allow(context.Background(), "k"); err == nil {
		t.Fatal("expected error from unreachable redis")
	}
}

func TestNewRedisClientRequiresAddr(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "", "", 0); err == nil {
		t.Fatal("expected error")
	}
}
