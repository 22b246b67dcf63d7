// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/ratelimit"
	"go.uber.org/goleak"
)

func TestRateLimiter_Allow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	config := ratelimit.Config{
		Rate:   10,
		Burst:  5,
		Period: time.Second,
	}

	result, err := limiter.Allow(ctx, "test-key", config)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !result.Allowed {
		t.Error("first request should be allowed")
	}
	if result.Remaining < 0 {
		t.Errorf("Remaining = %d, should be >= 0", result.Remaining)
	}
}

func TestRateLimiter_BurstRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	config := ratelimit.Config{
		Rate:   1,
		Burst:  3,
		Period: time.Second,
	}

	allowedCount := 0
	for i := 0; i < 10; i++ {
		result, err := limiter.Allow(ctx, "burst-key", config)
		if err != nil {
			t.Fatalf("Allow() error on request %d: %v", i, err)
		}
		if result.Allowed {
			allowedCount++
		}
	}

	if allowedCount < 3 {
		t.Errorf("expected at least 3 allowed requests (burst), got %d", allowedCount)
	}
}

func TestRateLimiter_Exhaustion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	config := ratelimit.Config{
		Rate:   10,
		Burst:  3,
		Period: time.Second,
	}

	allowedCount, deniedCount := 0, 0
	for i := 0; i < 20; i++ {
		result, err := limiter.Allow(ctx, "exhaust-key", config)
		if err != nil {
			t.Fatalf("Allow() error on request %d: %v", i, err)
		}
		if result.Allowed {
			allowedCount++
		} else {
			deniedCount++
		}
	}

	if deniedCount == 0 {
		t.Error("expected some denied requests after exhausting burst, got 0 out of 20")
	}
	if allowedCount < 3 {
		t.Errorf("expected at least 3 allowed requests (burst), got %d", allowedCount)
	}
}

func TestRateLimiter_KeyIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	config := ratelimit.Config{
		Rate:   1,
		Burst:  1,
		Period: time.Second,
	}

	for i := 0; i < 5; i++ {
		_, _ = limiter.Allow(ctx, "key-1", config)
	}

	result, err := limiter.Allow(ctx, "key-2", config)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !result.Allowed {
		t.Error("key-2 should be allowed, keys are isolated")
	}
}

func TestRateLimiter_Recovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	config := ratelimit.Config{
		Rate:   2,
		Burst:  1,
		Period: 100 * time.Millisecond,
	}

	if _, err := limiter.Allow(ctx, "recovery-key", config); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	result, err := limiter.Allow(ctx, "recovery-key", config)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !result.Allowed {
		t.Error("request after the recovery period should be allowed")
	}
}

func TestRateLimiter_ZeroRateDefaultsToOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	config := ratelimit.Config{Rate: 0, Burst: 5, Period: time.Second}

	result, err := limiter.Allow(ctx, "zero-rate-key", config)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !result.Allowed {
		t.Error("first request should be allowed even with Rate=0")
	}
}

func TestRateLimiter_ZeroBurstDefaultsToRate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	config := ratelimit.Config{Rate: 5, Burst: 0, Period: time.Second}

	result, err := limiter.Allow(ctx, "zero-burst-key", config)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !result.Allowed {
		t.Error("first request should be allowed even with Burst=0")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	config := ratelimit.Config{Rate: 100, Burst: 50, Period: time.Second}

	var wg sync.WaitGroup
	errCh := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := limiter.Allow(ctx, "concurrent-key", config); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent access error: %v", err)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiterWithConfig(100*time.Millisecond, 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	config := ratelimit.Config{Rate: 10, Burst: 5, Period: time.Second}

	keys := []string{"cleanup-key-1", "cleanup-key-2", "cleanup-key-3"}
	for _, key := range keys {
		if _, err := limiter.Allow(ctx, key, config); err != nil {
			t.Fatalf("Allow() error for %s: %v", key, err)
		}
	}

	if got := limiter.Size(); got != len(keys) {
		t.Errorf("expected %d keys after adding, got %d", len(keys), got)
	}

	time.Sleep(400 * time.Millisecond)

	if got := limiter.Size(); got != 0 {
		t.Errorf("expected 0 keys after cleanup, got %d", got)
	}
}

func TestRateLimiterNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewRateLimiterWithConfig(50*time.Millisecond, 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	limiter.StartCleanup(ctx)

	config := ratelimit.Config{Rate: 10, Burst: 5, Period: time.Second}
	for i := 0; i < 10; i++ {
		_, _ = limiter.Allow(ctx, "leak-test-key", config)
	}

	time.Sleep(150 * time.Millisecond)

	cancel()
	limiter.Stop()
}

func TestRateLimiterStopMultipleCalls(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiterWithConfig(100*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter.StartCleanup(ctx)

	limiter.Stop()
	limiter.Stop()
	limiter.Stop()
}
