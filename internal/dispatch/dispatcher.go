// Package dispatch sends requests to a rate limited REST API. Requests are
// grouped into bucket queues by route; each queue learns its limits from
// response headers and never lets a request out before the bucket and the
// global per-second window allow it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rescale/rest-dispatch/internal/config"
	"github.com/rescale/rest-dispatch/internal/constants"
	"github.com/rescale/rest-dispatch/internal/events"
	dhttp "github.com/rescale/rest-dispatch/internal/http"
	"github.com/rescale/rest-dispatch/internal/logging"
	"github.com/rescale/rest-dispatch/internal/ratelimit"
	"github.com/rescale/rest-dispatch/internal/route"
)

// Doer sends one HTTP request. *http.Client implements it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Dispatcher. Start from DefaultOptions: Retries and
// Offset are taken as given, other zero values fall back to defaults.
type Options struct {
	// BaseURL is the API root without version, e.g. https://discord.com/api
	BaseURL           string
	Version           string
	UserAgentAppendix string

	// Offset is added to every reset time
	Offset time.Duration
	// Retries is the budget for timeouts, network errors and 5xx responses
	Retries int
	// Timeout bounds one network attempt
	Timeout time.Duration

	GlobalRequestsPerSecond int

	// InvalidRequestWarningInterval publishes a warning every N invalid requests; 0 disables it
	InvalidRequestWarningInterval int

	RejectOnRateLimit ratelimit.RejectPolicy

	// RetryBackoff caps a jittered delay before each 5xx retry; 0 retries immediately
	RetryBackoff time.Duration

	// HandlerSweepInterval and HashLifetime drive StartSweepers; 0 disables each sweep
	HandlerSweepInterval time.Duration
	HashLifetime         time.Duration

	Snowflake route.Snowflake

	// Client sends the requests. Nil builds the default single-attempt client.
	Client Doer
	// Events receives dispatcher events. Nil creates a private bus.
	Events *events.EventBus
	// InvalidRequests defaults to the process-wide counter
	InvalidRequests *ratelimit.InvalidRequestCounter
	Logger          *logging.Logger

	// Now replaces the clock, for tests
	Now func() time.Time
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		BaseURL:                 constants.DefaultAPIBaseURL,
		Version:                 constants.DefaultAPIVersion,
		Offset:                  constants.DefaultOffset,
		Retries:                 constants.DefaultRetries,
		Timeout:                 constants.DefaultRequestTimeout,
		GlobalRequestsPerSecond: constants.DefaultGlobalRequestsPerSecond,
		HandlerSweepInterval:    constants.DefaultHandlerSweepInterval,
		HashLifetime:            constants.DefaultHashLifetime,
		Snowflake:               route.DefaultSnowflake(),
	}
}

// OptionsFromConfig maps the config file onto dispatcher options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.BaseURL = cfg.API.BaseURL
	opts.Version = cfg.API.Version
	opts.UserAgentAppendix = cfg.API.UserAgentAppendix
	opts.Offset = cfg.RateLimit.Offset()
	opts.Retries = cfg.RateLimit.Retries
	opts.Timeout = cfg.RateLimit.Timeout()
	opts.GlobalRequestsPerSecond = cfg.RateLimit.GlobalRequestsPerSecond
	opts.InvalidRequestWarningInterval = cfg.RateLimit.InvalidRequestWarningInterval
	opts.RejectOnRateLimit = cfg.RateLimit.RejectPolicy()
	opts.RetryBackoff = cfg.RateLimit.RetryBackoff()
	opts.HandlerSweepInterval = cfg.RateLimit.HandlerSweepInterval()
	opts.HashLifetime = cfg.RateLimit.HashLifetime()
	opts.Snowflake = cfg.Snowflake.Layout()
	return opts
}

type hashEntry struct {
	value      string
	lastAccess time.Time
}

// Dispatcher routes requests to bucket queues.
type Dispatcher struct {
	opts       Options
	client     Doer
	classifier *route.Classifier
	global     *ratelimit.Global
	invalid    *ratelimit.InvalidRequestCounter
	bus        *events.EventBus
	logger     *logging.Logger
	userAgent  string
	now        func() time.Time

	tokenMu sync.RWMutex
	token   string

	mu     sync.Mutex
	hashes map[string]*hashEntry
	queues map[string]*bucketQueue
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = constants.DefaultAPIBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Version == "" {
		opts.Version = constants.DefaultAPIVersion
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Retries = max(opts.Retries, 0)
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultRequestTimeout
	}
	if opts.GlobalRequestsPerSecond <= 0 {
		opts.GlobalRequestsPerSecond = constants.DefaultGlobalRequestsPerSecond
	}
	if opts.Snowflake.Shift == 0 {
		opts.Snowflake = route.DefaultSnowflake()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Events == nil {
		opts.Events = events.NewEventBus(0)
	}
	if opts.InvalidRequests == nil {
		opts.InvalidRequests = ratelimit.ProcessInvalidRequests()
	}

	client := opts.Client
	if client == nil {
		c, err := dhttp.NewClient(config.ProxyConfig{}, "", opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create http client: %w", err)
		}
		client = c
	}

	return &Dispatcher{
		opts:       opts,
		client:     client,
		classifier: route.NewClassifier(route.WithSnowflake(opts.Snowflake), route.WithClock(opts.Now)),
		global:     ratelimit.NewGlobal(opts.GlobalRequestsPerSecond),
		invalid:    opts.InvalidRequests,
		bus:        opts.Events,
		logger:     opts.Logger,
		userAgent:  strings.TrimSpace(constants.UserAgentBase + " " + opts.UserAgentAppendix),
		now:        opts.Now,
		hashes:     make(map[string]*hashEntry),
		queues:     make(map[string]*bucketQueue),
	}, nil
}

// Events returns the bus the dispatcher publishes on.
func (d *Dispatcher) Events() *events.EventBus {
	return d.bus
}

// SetToken sets the token used in the Authorization header. An empty token
// makes authenticated requests fail with ErrMissingToken.
func (d *Dispatcher) SetToken(token string) {
	d.tokenMu.Lock()
	defer d.tokenMu.Unlock()
	d.token = token
}

// clearToken drops the token if it is still the one that was rejected.
// A token set after the request went out is kept.
func (d *Dispatcher) clearToken(rejected string) bool {
	d.tokenMu.Lock()
	defer d.tokenMu.Unlock()
	if d.token != rejected {
		return false
	}
	d.token = ""
	return true
}

// Token returns the current token.
func (d *Dispatcher) Token() string {
	d.tokenMu.RLock()
	defer d.tokenMu.RUnlock()
	return d.token
}

// Submit queues req on its bucket and waits for the outcome. The error is
// one of *RateLimitError, *TransportError, *APIError, ErrMissingToken, a
// request encoding error or the context error.
func (d *Dispatcher) Submit(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	prepared, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	key := d.classifier.Classify(req.Path, prepared.method)
	q := d.acquireQueue(prepared.method, key)
	defer d.releaseQueue(q)

	return q.enqueue(ctx, key, prepared)
}

func hashKey(method, bucketRoute string) string {
	return method + ":" + bucketRoute
}

// acquireQueue finds or creates the queue of a request and marks it busy
// so a concurrent sweep cannot drop it.
func (d *Dispatcher) acquireQueue(method string, key route.Key) *bucketQueue {
	d.mu.Lock()
	defer d.mu.Unlock()

	hash := "Global(" + hashKey(method, key.BucketRoute) + ")"
	if entry, ok := d.hashes[hashKey(method, key.BucketRoute)]; ok {
		hash = entry.value
		entry.lastAccess = d.now()
	}

	id := hash + ":" + key.MajorParameter
	q, ok := d.queues[id]
	if !ok {
		q = newBucketQueue(d, hash, key.MajorParameter)
		d.queues[id] = q
	}
	q.pending++
	return q
}

func (d *Dispatcher) releaseQueue(q *bucketQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q.pending--
}

// updateHash records the bucket hash the remote API reported for a route.
func (d *Dispatcher) updateHash(method, bucketRoute, oldHash, newHash string) {
	if newHash == "" {
		return
	}

	d.mu.Lock()
	key := hashKey(method, bucketRoute)
	changed := newHash != oldHash
	if changed {
		d.hashes[key] = &hashEntry{value: newHash, lastAccess: d.now()}
	} else if entry, ok := d.hashes[key]; ok {
		entry.lastAccess = d.now()
	}
	d.mu.Unlock()

	if changed {
		d.debugf("Received bucket hash update\n  Old Hash  : %s\n  New Hash  : %s", oldHash, newHash)
	}
}

// Stats is a snapshot of the dispatcher bookkeeping.
type Stats struct {
	Queues          int
	Hashes          int
	Pending         int
	GlobalLimited   bool
	InvalidRequests int
}

// Stats returns the current queue and hash counts.
func (d *Dispatcher) Stats() Stats {
	now := d.now()
	d.mu.Lock()
	s := Stats{Queues: len(d.queues), Hashes: len(d.hashes)}
	for _, q := range d.queues {
		s.Pending += q.pending
	}
	d.mu.Unlock()

	s.GlobalLimited = d.global.Limited(now)
	s.InvalidRequests = d.invalid.Count(now)
	return s
}

// SweepInactive drops queues with no queued request and no active limit.
// It returns the number of queues dropped.
func (d *Dispatcher) SweepInactive() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	swept := 0
	for id, q := range d.queues {
		if q.inactive(now) {
			delete(d.queues, id)
			swept++
		}
	}
	if swept > 0 {
		d.logger.Debug().Int("queues", swept).Msg("Swept inactive handlers")
		d.debugf("Swept %d inactive handlers", swept)
	}
	return swept
}

// SweepHashes drops bucket hash mappings not used within lifetime and
// returns how many were dropped.
func (d *Dispatcher) SweepHashes(lifetime time.Duration) int {
	cutoff := d.now().Add(-lifetime)
	d.mu.Lock()
	defer d.mu.Unlock()

	swept := 0
	for key, entry := range d.hashes {
		if entry.lastAccess.Before(cutoff) {
			delete(d.hashes, key)
			swept++
		}
	}
	if swept > 0 {
		d.logger.Debug().Int("hashes", swept).Msg("Swept expired hashes")
		d.debugf("Swept %d expired hashes", swept)
	}
	return swept
}

// StartSweepers runs SweepInactive and SweepHashes on the configured
// intervals until ctx is done. Hashes are checked hourly, or every
// lifetime when that is shorter.
func (d *Dispatcher) StartSweepers(ctx context.Context) {
	if d.opts.HandlerSweepInterval > 0 {
		go d.sweepEvery(ctx, d.opts.HandlerSweepInterval, func() {
			d.SweepInactive()
		})
	}
	if d.opts.HashLifetime > 0 {
		go d.sweepEvery(ctx, min(d.opts.HashLifetime, time.Hour), func() {
			d.SweepHashes(d.opts.HashLifetime)
		})
	}
	d.logger.Debug().
		Dur("handler_interval", d.opts.HandlerSweepInterval).
		Dur("hash_lifetime", d.opts.HashLifetime).
		Msg("Sweepers started")
}

func (d *Dispatcher) sweepEvery(ctx context.Context, interval time.Duration, sweep func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func (d *Dispatcher) debugf(format string, args ...any) {
	if !d.bus.HasSubscribers(events.EventDebug) {
		return
	}
	d.bus.PublishDebug(fmt.Sprintf(format, args...))
}
