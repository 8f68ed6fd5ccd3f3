package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ErrEmptyResult is returned by Decode for a result without a body.
var ErrEmptyResult = errors.New("result has no body")

// Result is a successful answer. Statuses outside 2xx, 4xx and 5xx (for
// example 601) also end up here, with no body.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	// JSON is set when the response declared an application/json body
	JSON bool
}

func newResult(resp *http.Response, body []byte) *Result {
	return &Result{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
		JSON:   strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"),
	}
}

// Empty reports whether the result carries no body.
func (r *Result) Empty() bool {
	return r == nil || len(r.Body) == 0
}

// Decode unmarshals a JSON body into v.
func (r *Result) Decode(v any) error {
	if r.Empty() {
		return ErrEmptyResult
	}
	return json.Unmarshal(r.Body, v)
}
