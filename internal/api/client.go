// Package api is the caller-facing REST client. It turns method calls into
// dispatcher requests and decodes JSON answers.
package api

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/url"

	"github.com/rescale/rest-dispatch/internal/cdn"
	"github.com/rescale/rest-dispatch/internal/config"
	"github.com/rescale/rest-dispatch/internal/dispatch"
	"github.com/rescale/rest-dispatch/internal/events"
	"github.com/rescale/rest-dispatch/internal/http"
	"github.com/rescale/rest-dispatch/internal/logging"
)

// ErrNotJSON is returned when a decode target is given but the answer is not JSON.
var ErrNotJSON = errors.New("response is not JSON")

// RequestOptions are the optional parts of one call.
type RequestOptions struct {
	Query url.Values
	// Body is sent as JSON, or as payload_json next to Files
	Body        any
	RawBody     []byte
	ContentType string
	Files       []dispatch.Attachment
	Headers     nethttp.Header
	// Reason is recorded in the audit log
	Reason      string
	SkipAuth    bool
	Unversioned bool
	AuthPrefix  string
}

// Client sends REST calls through a rate limit dispatcher.
type Client struct {
	dispatcher *dispatch.Dispatcher
	cdn        *cdn.Builder
	logger     *logging.Logger
}

// NewClient creates a client from cfg. The HTTP transport honours the proxy
// settings; the token is taken from the config.
func NewClient(cfg *config.Config, logger *logging.Logger) (*Client, error) {
	if cfg.API.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty: %w", config.ErrMissingBaseURL)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	httpClient, err := http.NewClient(cfg.Proxy, cfg.API.BaseURL, logger.Child("http"))
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	opts := dispatch.OptionsFromConfig(cfg)
	opts.Client = httpClient
	opts.Logger = logger
	d, err := dispatch.New(opts)
	if err != nil {
		return nil, err
	}
	d.SetToken(cfg.API.Token)

	return NewFromDispatcher(d, logger), nil
}

// NewFromDispatcher wraps an existing dispatcher.
func NewFromDispatcher(d *dispatch.Dispatcher, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		dispatcher: d,
		cdn:        cdn.New(""),
		logger:     logger,
	}
}

// Dispatcher returns the underlying dispatcher.
func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// CDN returns the asset URL builder.
func (c *Client) CDN() *cdn.Builder {
	return c.cdn
}

// Events returns the dispatcher event bus.
func (c *Client) Events() *events.EventBus {
	return c.dispatcher.Events()
}

// SetToken replaces the token used for authenticated calls.
func (c *Client) SetToken(token string) *Client {
	c.dispatcher.SetToken(token)
	return c
}

// Request sends one call and returns the raw result.
func (c *Client) Request(ctx context.Context, method, path string, opts *RequestOptions) (*dispatch.Result, error) {
	req := &dispatch.Request{Method: method, Path: path}
	if opts != nil {
		req.Query = opts.Query
		req.Body = opts.Body
		req.RawBody = opts.RawBody
		req.ContentType = opts.ContentType
		req.Attachments = opts.Files
		req.Headers = opts.Headers
		req.Reason = opts.Reason
		req.SkipAuth = opts.SkipAuth
		req.Unversioned = opts.Unversioned
		req.AuthPrefix = opts.AuthPrefix
	}

	res, err := c.dispatcher.Submit(ctx, req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, err
	}
	return res, nil
}

// Get sends a GET and decodes the answer into out, which may be nil.
func (c *Client) Get(ctx context.Context, path string, opts *RequestOptions, out any) error {
	return c.do(ctx, nethttp.MethodGet, path, opts, out)
}

// Post sends a POST and decodes the answer into out, which may be nil.
func (c *Client) Post(ctx context.Context, path string, opts *RequestOptions, out any) error {
	return c.do(ctx, nethttp.MethodPost, path, opts, out)
}

// Put sends a PUT and decodes the answer into out, which may be nil.
func (c *Client) Put(ctx context.Context, path string, opts *RequestOptions, out any) error {
	return c.do(ctx, nethttp.MethodPut, path, opts, out)
}

// Patch sends a PATCH and decodes the answer into out, which may be nil.
func (c *Client) Patch(ctx context.Context, path string, opts *RequestOptions, out any) error {
	return c.do(ctx, nethttp.MethodPatch, path, opts, out)
}

// Delete sends a DELETE and decodes the answer into out, which may be nil.
func (c *Client) Delete(ctx context.Context, path string, opts *RequestOptions, out any) error {
	return c.do(ctx, nethttp.MethodDelete, path, opts, out)
}

func (c *Client) do(ctx context.Context, method, path string, opts *RequestOptions, out any) error {
	res, err := c.Request(ctx, method, path, opts)
	if err != nil {
		return err
	}
	return decode(res, out)
}

// decode fills out from res. A []byte target receives any body; other
// targets need a JSON body. Empty answers leave out untouched.
func decode(res *dispatch.Result, out any) error {
	if out == nil || res.Empty() {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = append((*raw)[:0], res.Body...)
		return nil
	}
	if !res.JSON {
		return fmt.Errorf("%w: content type %q", ErrNotJSON, res.Header.Get("Content-Type"))
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
