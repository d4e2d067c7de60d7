package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "worker-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 10 RPS with burst 1 refills one token every 100ms.
	start := time.Now()
	if err := l.Wait(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentWorkers(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "worker-a"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "worker-b"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("worker-b blocked unexpectedly")
	}
}

func TestLimiter_AllowAndForget(t *testing.T) {
	l := New(Config{RPS: 0.001, Burst: 2})

	if !l.Allow("w") || !l.Allow("w") {
		t.Fatal("burst of 2 should allow two requests")
	}
	if l.Allow("w") {
		t.Fatal("third request should be throttled")
	}
	l.Forget("w")
	if !l.Allow("w") {
		t.Fatal("forgotten worker should start with a fresh bucket")
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := New(Config{RPS: 0.001, Burst: 1})
	if !l.Allow("w") {
		t.Fatal("first request should pass")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "w"); err == nil {
		t.Fatal("expected context error while throttled")
	}
}

func TestLimiter_DisabledNeverThrottles(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		if !l.Allow("w") {
			t.Fatalf("request %d throttled with rate limiting disabled", i)
		}
	}
}
