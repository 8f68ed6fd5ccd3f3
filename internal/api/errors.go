package api

import (
	"errors"
	"net/http"

	"github.com/rescale/rest-dispatch/internal/dispatch"
)

// StatusCode returns the HTTP status carried by an error from a call, or 0.
// Rate limit rejections report 429.
func StatusCode(err error) int {
	var apiErr *dispatch.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	var transportErr *dispatch.TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Status
	}
	var rateErr *dispatch.RateLimitError
	if errors.As(err, &rateErr) {
		return http.StatusTooManyRequests
	}
	return 0
}

// IsNotFound reports whether the remote API answered 404.
func IsNotFound(err error) bool {
	var apiErr *dispatch.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsRateLimited reports whether the call was refused by the reject policy.
func IsRateLimited(err error) bool {
	var rateErr *dispatch.RateLimitError
	return errors.As(err, &rateErr)
}

// IsUnauthorized reports whether the call failed for lack of a valid token.
//
// This covers both a 401 from the remote API and a call refused locally
// because no token was set.
func IsUnauthorized(err error) bool {
	if errors.Is(err, dispatch.ErrMissingToken) {
		return true
	}
	var apiErr *dispatch.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// ErrorName returns the class name of a dispatcher error, or "Error".
func ErrorName(err error) string {
	var named interface{ Name() string }
	if errors.As(err, &named) {
		return named.Name()
	}
	return "Error"
}
