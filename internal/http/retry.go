package http

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrorType represents different classes of transport errors for retry strategy
type ErrorType int

const (
	// ErrorTypeSuccess indicates the attempt returned a response
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeTimeout indicates the attempt ran past its deadline
	ErrorTypeTimeout
	// ErrorTypeNetwork indicates connection issues worth another attempt (reset, refused, EOF)
	ErrorTypeNetwork
	// ErrorTypeCanceled indicates the caller gave up
	ErrorTypeCanceled
	// ErrorTypeFatal indicates errors another attempt cannot fix (bad scheme, TLS trust, redirects)
	ErrorTypeFatal
)

// ClassifyError determines the error type of a failed attempt. ctx is the
// caller's context, not the per-attempt one: when the caller is done the
// error is ErrorTypeCanceled whatever the transport reported.
func ClassifyError(ctx context.Context, err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	// retryablehttp knows which transport errors are unrecoverable
	retry, _ := retryablehttp.DefaultRetryPolicy(ctx, nil, err)
	if retry {
		return ErrorTypeNetwork
	}
	return ErrorTypeFatal
}

// Retryable reports whether another attempt may succeed.
func (t ErrorType) Retryable() bool {
	return t == ErrorTypeTimeout || t == ErrorTypeNetwork
}

// CalculateBackoff returns exponential backoff duration with full jitter
// Full jitter prevents thundering herd problem when many clients retry simultaneously
//
// Formula: random(0, min(maxDelay, initialDelay * 2^attempt))
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 || maxDelay <= 0 {
		return 0
	}

	base := time.Duration(1<<uint(min(attempt, 30))) * initialDelay
	if base > maxDelay || base <= 0 {
		base = maxDelay
	}

	return time.Duration(rand.Int63n(int64(base)))
}

// ErrorTypeName returns a human-readable name for an ErrorType
func ErrorTypeName(errType ErrorType) string {
	switch errType {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeCanceled:
		return "canceled"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (t ErrorType) String() string {
	return ErrorTypeName(t)
}
