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

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)
	base := time.Now()
	bucket.now = func() time.Time { return base }

	d, err := bucket.Allow(ctx, "client-a")
	if err != nil || !d.Allowed || d.Remaining != 1 {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	if d, _ = bucket.Allow(ctx, "client-a"); !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "client-a")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("expected retry after 1s got %v", d.RetryAfter)
	}

	if d, _ = bucket.Allow(ctx, "client-b"); !d.Allowed {
		t.Fatalf("buckets must be independent per key")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 2)
	base := time.Now()
	bucket.now = func() time.Time { return base }

	if d, _ := bucket.Allow(ctx, "k"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	if d, _ := bucket.Allow(ctx, "k"); d.Allowed {
		t.Fatalf("expected empty bucket")
	}

	bucket.now = func() time.Time { return base.Add(600 * time.Millisecond) }
	d, err := bucket.Allow(ctx, "k")
	if err != nil || !d.Allowed {
		t.Fatalf("expected refilled token got %+v err=%v", d, err)
	}
}
