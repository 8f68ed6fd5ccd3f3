package ratelimit

import (
	"sync"
	"time"

	"github.com/rescale/rest-dispatch/internal/constants"
)

// Global is the per-second request window shared by every bucket queue of
// one dispatcher. At most one delay timer is outstanding at a time: the
// first queue to find the window exhausted starts it and every other queue
// waits on the same channel.
type Global struct {
	mu        sync.Mutex
	perSecond int
	remaining int
	resetAt   time.Time
	delay     chan struct{}
}

// NewGlobal returns a window allowing perSecond requests per second.
func NewGlobal(perSecond int) *Global {
	if perSecond <= 0 {
		perSecond = constants.DefaultGlobalRequestsPerSecond
	}
	return &Global{
		perSecond: perSecond,
		remaining: perSecond,
	}
}

// PerSecond returns the configured cap.
func (g *Global) PerSecond() int {
	return g.perSecond
}

// Limited reports whether the window is exhausted at now.
func (g *Global) Limited(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limitedLocked(now)
}

func (g *Global) limitedLocked(now time.Time) bool {
	return g.remaining <= 0 && now.Before(g.resetAt)
}

// Wait returns the time until the window reopens (plus offset) and a
// channel closed once that time has passed. Concurrent callers share the
// same channel; the handle is cleared when it fires.
func (g *Global) Wait(now time.Time, offset time.Duration) (time.Duration, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wait := g.resetAt.Add(offset).Sub(now)
	if g.delay != nil {
		return wait, g.delay
	}

	ch := make(chan struct{})
	g.delay = ch
	time.AfterFunc(max(wait, 0), func() {
		g.mu.Lock()
		if g.delay == ch {
			g.delay = nil
		}
		g.mu.Unlock()
		close(ch)
	})
	return wait, ch
}

// Pending reports whether a delay handle is outstanding.
func (g *Global) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delay != nil
}

// Acquire takes one request from the window at now, opening a fresh window
// when the previous one has expired. It reports false, taking nothing, when
// the window is exhausted. The check and the decrement happen under one
// lock, so concurrent queues never overdraw the window.
func (g *Global) Acquire(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resetAt.IsZero() || !g.resetAt.After(now) {
		g.resetAt = now.Add(constants.GlobalWindow)
		g.remaining = g.perSecond
	}
	if g.remaining <= 0 {
		return false
	}
	g.remaining--
	return true
}

// Trip closes the window for retryAfter after the remote API reported a
// global rate limit.
func (g *Global) Trip(now time.Time, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.remaining = 0
	g.resetAt = now.Add(retryAfter)
}

// TimeToReset returns how long until the window reopens at now, including offset.
func (g *Global) TimeToReset(now time.Time, offset time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resetAt.Add(offset).Sub(now)
}
