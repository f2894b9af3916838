package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterNeverExceedsLimit(t *testing.T) {
	const limit = 4
	const items = 100

	limiter := NewLimiter(limit)
	var active, peak int64
	var wg sync.WaitGroup

	for i := 0; i < items; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background()); err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			current := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if current <= p || atomic.CompareAndSwapInt64(&peak, p, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&active, -1)
			limiter.Release()
		}()
	}
	wg.Wait()

	if peak > limit {
		t.Fatalf("observed %d concurrent holders, limit is %d", peak, limit)
	}
	m := limiter.Snapshot()
	if m.TotalAcquired != items || m.TotalReleased != items {
		t.Fatalf("acquired=%d released=%d, want %d each", m.TotalAcquired, m.TotalReleased, items)
	}
	if m.PeakConcurrent > limit {
		t.Fatalf("limiter recorded peak %d above limit %d", m.PeakConcurrent, limit)
	}
	if limiter.CurrentActive() != 0 {
		t.Fatalf("limiter still reports %d active after drain", limiter.CurrentActive())
	}
}

func TestLimiterAcquireHonorsCancellation(t *testing.T) {
	limiter := NewLimiter(1)
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(ctx); err == nil {
		t.Fatalf("acquire on a full limiter must fail when the context expires")
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(3, 20*time.Millisecond)

	if cb.IsOpen() {
		t.Fatalf("fresh breaker must be closed")
	}
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Fatalf("breaker opened below threshold")
	}
	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatalf("breaker must open at the failure threshold")
	}

	time.Sleep(30 * time.Millisecond)
	if cb.IsOpen() {
		t.Fatalf("breaker must probe after the reset timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("breaker state = %s, want half-open", cb.State())
	}

	for i := 0; i < halfOpenSuccesses; i++ {
		cb.RecordSuccess()
	}
	if cb.State() != StateClosed {
		t.Fatalf("breaker state = %s after probe successes, want closed", cb.State())
	}
}

func TestCircuitBreakerReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if cb.IsOpen() {
		t.Fatalf("breaker must be probing")
	}
	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatalf("probe failure must reopen the breaker")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_MAX_CONCURRENT", "7")
	t.Setenv("LOOM_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("LOOM_MAX_ATTEMPTS", "5")

	cfg := LoadConfig()
	if cfg.MaxConcurrent != 7 {
		t.Fatalf("MaxConcurrent = %d, want 7", cfg.MaxConcurrent)
	}
	if cfg.RequestsPerSecond != 2.5 {
		t.Fatalf("RequestsPerSecond = %v, want 2.5", cfg.RequestsPerSecond)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.Source != ConfigSourceEnvVar {
		t.Fatalf("Source = %s, want %s", cfg.Source, ConfigSourceEnvVar)
	}
}

func TestLoadConfigDefaultsDeriveRate(t *testing.T) {
	t.Setenv("LOOM_MAX_CONCURRENT", "8")
	t.Setenv("LOOM_REQUESTS_PER_SECOND", "")
	t.Setenv("LOOM_MAX_ATTEMPTS", "")

	cfg := LoadConfig()
	if cfg.RequestsPerSecond != 4 {
		t.Fatalf("derived RequestsPerSecond = %v, want half of MaxConcurrent", cfg.RequestsPerSecond)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("default MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
}
