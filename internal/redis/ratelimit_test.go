package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, func()) {
	t.Helper()
	client, _, cleanup := setupTestRedis(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: limit, Window: window})
	return limiter, cleanup
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 5, time.Minute)
	defer cleanup()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(context.Background(), "batch-sender")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 3, time.Minute)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if result, _ := limiter.Allow(ctx, "batch-sender"); !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "batch-sender")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed || result.Remaining != 0 {
		t.Fatalf("expected blocked with 0 remaining, got %+v", result)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()
	ctx := context.Background()

	start := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return start }
	limiter.Allow(ctx, "k")
	limiter.Allow(ctx, "k")
	if result, _ := limiter.Allow(ctx, "k"); result.Allowed {
		t.Fatal("third request inside the window should be blocked")
	}

	limiter.now = func() time.Time { return start.Add(61 * time.Second) }
	if result, _ := limiter.Allow(ctx, "k"); !result.Allowed {
		t.Fatal("request after the window should be allowed")
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()
	ctx := context.Background()

	limiter.Allow(ctx, "key-a")
	limiter.Allow(ctx, "key-a")

	result, _ := limiter.Allow(ctx, "key-b")
	if !result.Allowed || result.Remaining != 1 {
		t.Fatalf("key-b should have its own budget, got %+v", result)
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "k", 5)
	if err != nil || !result.Allowed || result.Remaining != 5 {
		t.Fatalf("unexpected result %+v, %v", result, err)
	}
	if result, _ = limiter.AllowN(ctx, "k", 6); result.Allowed {
		t.Fatal("should be blocked")
	}
}
