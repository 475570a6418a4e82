package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	rl := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 5, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := rl.Allow(ctx, "tenant-1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	rl := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := rl.Allow(ctx, "tenant-1"); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
	}

	result, err := rl.Allow(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if result.Allowed {
		t.Error("expected request over limit to be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", result.Remaining)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	rl := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	if _, err := rl.Allow(ctx, "tenant-1"); err != nil {
		t.Fatalf("tenant-1: %v", err)
	}

	result, err := rl.Allow(ctx, "tenant-2")
	if err != nil {
		t.Fatalf("tenant-2: %v", err)
	}
	if !result.Allowed {
		t.Error("tenant-2 must not be limited by tenant-1's usage")
	}
}

func TestRateLimiter_RemainingDecrements(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	rl := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 3, Window: time.Minute})
	ctx := context.Background()

	first, err := rl.Allow(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if first.Remaining != 2 {
		t.Errorf("expected 2 remaining after first request, got %d", first.Remaining)
	}

	second, err := rl.Allow(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if second.Remaining != 1 {
		t.Errorf("expected 1 remaining after second request, got %d", second.Remaining)
	}
}
