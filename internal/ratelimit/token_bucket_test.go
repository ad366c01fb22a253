package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bucket := NewTokenBucket(client, capacity, refill, time.Minute)
	clock := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)
	key := TenantKey("acme")

	allowed, _, err := bucket.Allow(ctx, key)
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, key)
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, key)
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	allowed, _, _ = bucket.Allow(ctx, TenantKey("other"))
	if !allowed {
		t.Fatalf("expected buckets to be isolated per tenant")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 0.5)
	key := TenantKey("")

	if allowed, _, _ := bucket.Allow(ctx, key); !allowed {
		t.Fatalf("expected initial token")
	}
	if allowed, _, _ := bucket.Allow(ctx, key); allowed {
		t.Fatalf("expected bucket to be empty")
	}

	*clock = clock.Add(time.Second)
	if allowed, _, _ := bucket.Allow(ctx, key); allowed {
		t.Fatalf("half a token should not be enough")
	}

	*clock = clock.Add(2 * time.Second)
	if allowed, _, _ := bucket.Allow(ctx, key); !allowed {
		t.Fatalf("expected refill after two seconds at 0.5/s")
	}
}

func TestTenantKey(t *testing.T) {
	if got := TenantKey(""); got != "rl:default" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := TenantKey("acme"); got != "rl:acme" {
		t.Fatalf("unexpected key %q", got)
	}
}
