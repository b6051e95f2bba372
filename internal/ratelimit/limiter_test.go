package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/repo"
)

func TestAllowAt_RejectsOverLimit(t *testing.T) {
	m := repo.NewMemory()
	lim := NewLimiter(m, Config{Limit: 60, Width: time.Minute})
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 30, 15, 0, time.UTC)

	for i := 0; i < 60; i++ {
		if err := lim.AllowAt(ctx, "provider:openai", now); err != nil {
			t.Fatalf("request %d within limit rejected: %v", i+1, err)
		}
	}
	if err := lim.AllowAt(ctx, "provider:openai", now); !errors.Is(err, ErrRateLimited) {
		t.Errorf("61st request in the window must be rejected, got %v", err)
	}
}

func TestAllowAt_NextWindowResets(t *testing.T) {
	m := repo.NewMemory()
	lim := NewLimiter(m, Config{Limit: 2, Width: time.Minute})
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 30, 59, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if err := lim.AllowAt(ctx, "k", now); err != nil {
			t.Fatalf("allow: %v", err)
		}
	}
	if err := lim.AllowAt(ctx, "k", now); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rejection, got %v", err)
	}

	// Первая секунда следующей минуты — новое окно, счётчик с нуля.
	if err := lim.AllowAt(ctx, "k", now.Add(time.Second)); err != nil {
		t.Errorf("first request of the next window must pass: %v", err)
	}
}

func TestAllowAt_BurstCeiling(t *testing.T) {
	m := repo.NewMemory()
	lim := NewLimiter(m, DefaultConfig())
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	for i := 0; i < 120; i++ {
		if err := lim.AllowAt(ctx, "api:owner-1", now); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i+1, err)
		}
	}
	if err := lim.AllowAt(ctx, "api:owner-1", now); !errors.Is(err, ErrRateLimited) {
		t.Errorf("121st request must exceed the burst ceiling, got %v", err)
	}
}

func TestAllowAt_KeysIndependent(t *testing.T) {
	m := repo.NewMemory()
	lim := NewLimiter(m, Config{Limit: 1, Width: time.Minute})
	ctx := context.Background()
	now := time.Now()

	if err := lim.AllowAt(ctx, "a", now); err != nil {
		t.Fatalf("allow a: %v", err)
	}
	if err := lim.AllowAt(ctx, "b", now); err != nil {
		t.Errorf("key b has its own window: %v", err)
	}
}

func TestAllowAt_ConcurrentExactCeiling(t *testing.T) {
	m := repo.NewMemory()
	lim := NewLimiter(m, Config{Limit: 10, Width: time.Minute})
	now := time.Now()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lim.AllowAt(context.Background(), "shared", now); err == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Errorf("exactly 10 of 40 concurrent requests must pass, got %d", got)
	}
}
