package logging

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rescale/rest-dispatch/internal/events"
	"github.com/rescale/rest-dispatch/internal/ratelimit"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestFollow_ThrottlesRateLimitWarnings verifies a burst of rate limit events logs once.
func TestFollow_ThrottlesRateLimitWarnings(t *testing.T) {
	out := &syncBuffer{}
	logger := NewJSONLogger(out)
	bus := events.NewEventBus(10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		logger.Follow(ctx, bus)
		close(done)
	}()

	// Wait until Follow has subscribed
	deadline := time.Now().Add(time.Second)
	for !bus.HasSubscribers(events.EventRateLimited) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		bus.PublishRateLimited(ratelimit.Info{Route: "/channels/:id", Method: "PATCH", TimeToReset: time.Second})
	}
	bus.PublishInvalidRequestWarning(100, time.Minute)

	deadline = time.Now().Add(time.Second)
	for strings.Count(out.String(), "\n") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	logged := out.String()
	if n := strings.Count(logged, "Rate limited: PATCH /channels/:id"); n != 1 {
		t.Errorf("expected 1 rate limit line, got %d:\n%s", n, logged)
	}
	if !strings.Contains(logged, `"count":100`) {
		t.Errorf("expected invalid request warning, got:\n%s", logged)
	}
}

// TestFollow_StopsOnBusClose verifies Follow returns when the bus closes.
func TestFollow_StopsOnBusClose(t *testing.T) {
	bus := events.NewEventBus(10)
	done := make(chan struct{})
	go func() {
		Nop().Follow(context.Background(), bus)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !bus.HasSubscribers(events.EventDebug) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after bus close")
	}
}

// TestParseLevel verifies level parsing falls back to info.
func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "debug" {
		t.Error("expected debug level")
	}
	if ParseLevel("").String() != "info" || ParseLevel("loud").String() != "info" {
		t.Error("expected info fallback")
	}
}
