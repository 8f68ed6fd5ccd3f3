// Package ratelimit holds the rate limit bookkeeping shared by the bucket
// queues: per-bucket state learned from response headers, the global
// per-second window, the invalid request counter and the reject policy.
package ratelimit

import (
	"sync"
	"time"
)

// Unlimited is reported as the limit of a bucket that has not declared one.
const Unlimited = -1

// BucketState is the rate limit state of one bucket queue. Fields are only
// reachable through methods; the owning queue is the only writer.
type BucketState struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
}

// NewBucketState returns the state of a bucket that has not seen a response:
// unlimited, one request remaining, already reset.
func NewBucketState() *BucketState {
	return &BucketState{
		limit:     Unlimited,
		remaining: 1,
	}
}

// Limit returns the declared request limit, or Unlimited.
func (s *BucketState) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Remaining returns the number of requests left in the current window.
func (s *BucketState) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// ResetAt returns when the current window ends.
func (s *BucketState) ResetAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetAt
}

// Limited reports whether the bucket is exhausted at now.
func (s *BucketState) Limited(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining <= 0 && now.Before(s.resetAt)
}

// TimeToReset returns how long a request must wait at now, including offset.
func (s *BucketState) TimeToReset(now time.Time, offset time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetAt.Add(offset).Sub(now)
}

// Update applies the headers of a response received at now. Missing limit
// and remaining default to Unlimited and 1; a missing reset-after resets
// the window immediately so the next request re-checks.
func (s *BucketState) Update(h Headers, now time.Time, offset time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limit = Unlimited
	if h.HasLimit {
		s.limit = h.Limit
	}

	s.remaining = 1
	if h.HasRemaining {
		s.remaining = h.Remaining
	}

	s.resetAt = now
	if h.HasResetAfter {
		s.resetAt = now.Add(h.ResetAfter + offset)
	}
}
