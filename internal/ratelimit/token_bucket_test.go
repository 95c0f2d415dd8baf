package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestAllowExhaustsCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "tg:send")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tg:send")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tg:send")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

func TestAllowKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 1)

	if allowed, _, _ := bucket.Allow(ctx, "tg:send"); !allowed {
		t.Fatalf("expected tg:send token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "tg:typing"); !allowed {
		t.Fatalf("expected tg:typing to have its own bucket")
	}
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bucket := newBucket(t, 1, 50)

	if allowed, _, _ := bucket.Allow(ctx, "tg:send"); !allowed {
		t.Fatalf("expected first token allowed")
	}

	// The bucket is empty; at 50 tokens/s the first poll after the
	// initial sleep should be admitted.
	start := time.Now()
	if err := bucket.Wait(ctx, "tg:send"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("wait returned before any refill could have happened")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	bucket := newBucket(t, 1, 0.001)

	ctx := context.Background()
	if allowed, _, _ := bucket.Allow(ctx, "tg:send"); !allowed {
		t.Fatalf("expected first token allowed")
	}

	ctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := bucket.Wait(ctx, "tg:send"); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
