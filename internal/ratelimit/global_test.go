package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestGlobalAcquireOpensWindow verifies the per-second window and exhaustion.
func TestGlobalAcquireOpensWindow(t *testing.T) {
	g := NewGlobal(2)
	now := time.Now()

	if !g.Acquire(now) {
		t.Fatal("first request should be admitted")
	}
	if g.Limited(now) {
		t.Fatal("should not be limited after one request")
	}
	if !g.Acquire(now) {
		t.Fatal("second request should be admitted")
	}
	if !g.Limited(now) {
		t.Fatal("should be limited after two requests in one window")
	}
	if g.Acquire(now.Add(500 * time.Millisecond)) {
		t.Fatal("third request in the window should be refused")
	}
	if g.Limited(now.Add(1001 * time.Millisecond)) {
		t.Error("should not be limited once the window has passed")
	}

	// A new window starts once the old one has expired
	later := now.Add(2 * time.Second)
	if !g.Acquire(later) {
		t.Fatal("expected a fresh window after expiry")
	}
	if g.Limited(later) {
		t.Error("expected fresh window after expiry")
	}
}

// TestGlobalAcquireConcurrent verifies concurrent callers never take more
// than the window allows.
func TestGlobalAcquireConcurrent(t *testing.T) {
	const perSecond = 10
	g := NewGlobal(perSecond)
	now := time.Now()

	var admitted sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 200; i++ {
		admitted.Add(1)
		go func() {
			defer admitted.Done()
			if g.Acquire(now) {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	admitted.Wait()

	if count != perSecond {
		t.Errorf("expected %d admitted requests, got %d", perSecond, count)
	}
}

// TestGlobalTrip verifies a reported global limit closes the window.
func TestGlobalTrip(t *testing.T) {
	g := NewGlobal(50)
	now := time.Now()
	g.Trip(now, time.Second)

	if !g.Limited(now) {
		t.Fatal("expected limited after trip")
	}
	if g.Acquire(now.Add(500 * time.Millisecond)) {
		t.Error("expected no request admitted while tripped")
	}
	if got := g.TimeToReset(now, 50*time.Millisecond); got != 1050*time.Millisecond {
		t.Errorf("expected 1050ms, got %v", got)
	}
}

// TestGlobalWaitSharesHandle verifies concurrent waiters share one delay channel.
func TestGlobalWaitSharesHandle(t *testing.T) {
	g := NewGlobal(50)
	now := time.Now()
	g.Trip(now, 100*time.Millisecond)

	_, first := g.Wait(now, 0)
	_, second := g.Wait(now, 0)
	if first != second {
		t.Fatal("expected waiters to share the same delay handle")
	}
	if !g.Pending() {
		t.Fatal("expected a pending delay")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, ch := range []<-chan struct{}{first, second} {
		wg.Add(1)
		go func(ch <-chan struct{}) {
			defer wg.Done()
			select {
			case <-ch:
			case <-ctx.Done():
				t.Error("delay handle never fired")
			}
		}(ch)
	}
	wg.Wait()

	// Handle is cleared once it fires
	deadline := time.Now().Add(time.Second)
	for g.Pending() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if g.Pending() {
		t.Error("expected delay handle to be cleared")
	}
}

// TestInvalidRequestCounter verifies counting and window reset.
func TestInvalidRequestCounter(t *testing.T) {
	c := NewInvalidRequestCounter(10 * time.Minute)
	now := time.Now()

	count, remaining := c.Record(now)
	if count != 1 || remaining != 10*time.Minute {
		t.Errorf("first record = %d, %v", count, remaining)
	}
	count, _ = c.Record(now.Add(time.Minute))
	if count != 2 {
		t.Errorf("expected 2, got %d", count)
	}
	if c.Count(now.Add(time.Minute)) != 2 {
		t.Errorf("expected count 2")
	}

	count, _ = c.Record(now.Add(11 * time.Minute))
	if count != 1 {
		t.Errorf("expected window reset, got %d", count)
	}
}

// TestIsInvalidStatus verifies which statuses count as invalid.
func TestIsInvalidStatus(t *testing.T) {
	for status, want := range map[int]bool{200: false, 400: false, 401: true, 403: true, 404: false, 429: true, 500: false} {
		if got := IsInvalidStatus(status); got != want {
			t.Errorf("IsInvalidStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
