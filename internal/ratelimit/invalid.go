package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/rescale/rest-dispatch/internal/constants"
)

// InvalidRequestCounter counts 401, 403 and 429 responses over a rolling
// window. The remote API enforces this limit per IP address, so the
// dispatchers of one process share ProcessInvalidRequests by default.
type InvalidRequestCounter struct {
	mu      sync.Mutex
	window  time.Duration
	count   int
	resetAt time.Time
}

var (
	processCounter     *InvalidRequestCounter
	processCounterOnce sync.Once
)

// ProcessInvalidRequests returns the process-level counter.
func ProcessInvalidRequests() *InvalidRequestCounter {
	processCounterOnce.Do(func() {
		processCounter = NewInvalidRequestCounter(constants.InvalidRequestWindow)
	})
	return processCounter
}

// NewInvalidRequestCounter returns a counter over window.
func NewInvalidRequestCounter(window time.Duration) *InvalidRequestCounter {
	if window <= 0 {
		window = constants.InvalidRequestWindow
	}
	return &InvalidRequestCounter{window: window}
}

// IsInvalidStatus reports whether status counts towards the invalid request limit.
func IsInvalidStatus(status int) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusForbidden ||
		status == http.StatusTooManyRequests
}

// Record adds one invalid request at now and returns the count in the
// current window and the time left in it.
func (c *InvalidRequestCounter) Record(now time.Time) (int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resetAt.IsZero() || c.resetAt.Before(now) {
		c.resetAt = now.Add(c.window)
		c.count = 0
	}
	c.count++
	return c.count, c.resetAt.Sub(now)
}

// Count returns the number of invalid requests in the window at now.
func (c *InvalidRequestCounter) Count(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resetAt.Before(now) {
		return 0
	}
	return c.count
}
