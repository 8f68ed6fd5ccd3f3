package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response headers the remote API uses to describe its rate limits.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderRetryAfter = "Retry-After"
)

// Headers is the rate limit information carried by one response.
type Headers struct {
	Limit         int
	HasLimit      bool
	Remaining     int
	HasRemaining  bool
	ResetAfter    time.Duration
	HasResetAfter bool
	Bucket        string
	RetryAfter    time.Duration
	HasRetryAfter bool
	Global        bool
}

// ParseHeaders extracts rate limit information from h. Header names are
// matched case-insensitively; unparseable values are treated as absent.
func ParseHeaders(h http.Header) Headers {
	var out Headers

	if n, ok := parseCount(h.Get(HeaderLimit)); ok {
		out.Limit, out.HasLimit = n, true
	}
	if n, ok := parseCount(h.Get(HeaderRemaining)); ok {
		out.Remaining, out.HasRemaining = n, true
	}
	if d, ok := parseSeconds(h.Get(HeaderResetAfter)); ok {
		out.ResetAfter, out.HasResetAfter = d, true
	}
	if d, ok := parseSeconds(h.Get(HeaderRetryAfter)); ok {
		out.RetryAfter, out.HasRetryAfter = d, true
	}

	out.Bucket = strings.TrimSpace(h.Get(HeaderBucket))
	out.Global = h.Get(HeaderGlobal) != ""

	return out
}

func parseCount(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// parseSeconds reads a possibly fractional number of seconds.
func parseSeconds(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}
