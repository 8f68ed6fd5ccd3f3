package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rescale/rest-dispatch/internal/ratelimit"
)

var (
	// ErrMissingToken is returned for a request needing auth when no token is set.
	ErrMissingToken = errors.New("expected token to be set for this request, but none was present")

	// ErrAborted is carried by the TransportError of a request whose
	// attempts all ran past the request timeout.
	ErrAborted = errors.New("the request was aborted")
)

// RateLimitError is returned instead of waiting when the reject policy
// refuses a rate limit wait.
type RateLimitError struct {
	ratelimit.Info
}

func (e *RateLimitError) Error() string {
	scope := "bucket"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("%s rate limit on %s %s, retry in %s", scope, e.Method, e.Route, e.TimeToReset)
}

// Name returns the error class name.
func (e *RateLimitError) Name() string {
	return "RateLimitError"
}

// TransportError reports a request that never produced an API answer:
// 5xx responses past the retry budget, timeouts and network failures.
type TransportError struct {
	// Status and StatusText are zero when no response was received
	Status     int
	StatusText string
	Method     string
	URL        string
	// Body is the request body that was sent
	Body []byte
	// Attachments lists the names of attached files
	Attachments []string
	// Err is the underlying transport error, ErrAborted for timeouts
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	text := e.StatusText
	if text == "" {
		text = "server error"
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Status, text)
}

// Name returns the error class name.
func (e *TransportError) Name() string {
	return "TransportError"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a 4xx answer from the remote API (429 excepted). Its message
// is the remote message followed by one line per nested field error.
type APIError struct {
	// Code is the numeric API error code
	Code int
	// OAuthCode is set instead of Code for OAuth style errors
	OAuthCode string
	Status    int
	Method    string
	URL       string
	// Raw is the response body
	Raw []byte
	// Body is the request body that was sent
	Body []byte

	message string
}

// newAPIError builds an APIError from an error response body. Bodies that
// are not JSON objects still yield an error carrying them in Raw.
func newAPIError(status int, method, url string, raw, sent []byte) *APIError {
	e := &APIError{
		Status: status,
		Method: method,
		URL:    url,
		Raw:    raw,
		Body:   sent,
	}

	root, err := parseOrdered(raw)
	if err != nil || root.kind != jsonObject {
		e.message = "Unknown Error"
		return e
	}

	if code := root.get("code"); code != nil {
		e.Code, _ = strconv.Atoi(code.text)
		e.message = apiMessage(root)
		return e
	}

	if oauth, ok := root.str("error"); ok {
		e.OAuthCode = oauth
		e.message = "No Description"
		if desc, ok := root.str("error_description"); ok {
			e.message = desc
		}
		return e
	}

	e.message = apiMessage(root)
	return e
}

func apiMessage(root *jsonNode) string {
	message, _ := root.str("message")
	flattened := strings.Join(flattenErrors(root.get("errors"), ""), "\n")

	switch {
	case message != "" && flattened != "":
		return message + "\n" + flattened
	case message != "":
		return message
	case flattened != "":
		return flattened
	default:
		return "Unknown Error"
	}
}

func (e *APIError) Error() string {
	return e.message
}

// Message returns the remote message with flattened field errors.
func (e *APIError) Message() string {
	return e.message
}

// Name returns the error class name including the error code.
func (e *APIError) Name() string {
	if e.OAuthCode != "" {
		return "APIError[" + e.OAuthCode + "]"
	}
	return "APIError[" + strconv.Itoa(e.Code) + "]"
}
