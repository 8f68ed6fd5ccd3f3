package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	dhttp "github.com/rescale/rest-dispatch/internal/http"
	"github.com/rescale/rest-dispatch/internal/ratelimit"
	"github.com/rescale/rest-dispatch/internal/route"
)

// retryBackoffBase is the first step of the optional 5xx backoff.
const retryBackoffBase = 100 * time.Millisecond

// bucketQueue runs the requests of one bucket hash and major parameter in
// submission order.
//
// When the remote API answers 429 without the bucket being exhausted, the
// request hit a sublimit (for example channel renames). That request moves
// to a nested sublimited queue and sleeps there, while the main queue keeps
// going. Later sublimited requests join the nested queue; once its sleep is
// over, the main queue stalls until the nested queue drains.
type bucketQueue struct {
	d              *Dispatcher
	id             string
	hash           string
	majorParameter string
	state          *ratelimit.BucketState

	mu           sync.Mutex
	main         *asyncQueue
	sublimited   *asyncQueue   // nil when no sublimit is active
	sublimitDone chan struct{} // closed when the sublimited queue drains

	// wire serializes network attempts of the main and sublimited queues
	wire chan struct{}

	// pending counts submitted requests not yet returned; guarded by Dispatcher.mu
	pending int
}

// ticket is the place of one request in the main or sublimited queue.
type ticket struct {
	queue *asyncQueue
	turn  chan struct{}
}

func newBucketQueue(d *Dispatcher, hash, majorParameter string) *bucketQueue {
	return &bucketQueue{
		d:              d,
		id:             hash + ":" + majorParameter,
		hash:           hash,
		majorParameter: majorParameter,
		state:          ratelimit.NewBucketState(),
		main:           newAsyncQueue(),
		wire:           make(chan struct{}, 1),
	}
}

func (q *bucketQueue) limited(now time.Time) bool {
	return q.d.global.Limited(now) || q.state.Limited(now)
}

// inactive reports whether the queue may be dropped. Callers hold Dispatcher.mu.
func (q *bucketQueue) inactive(now time.Time) bool {
	if q.pending > 0 {
		return false
	}
	q.mu.Lock()
	busy := q.main.remaining() > 0 || q.sublimited != nil && q.sublimited.remaining() > 0
	q.mu.Unlock()
	return !busy && !q.limited(now)
}

func (q *bucketQueue) enqueue(ctx context.Context, key route.Key, req *preparedRequest) (*Result, error) {
	sublimit := hasSublimit(key.BucketRoute, req.jsonBody, req.method)

	q.mu.Lock()
	t := &ticket{queue: q.main}
	if q.sublimited != nil && sublimit {
		t.queue = q.sublimited
	}
	t.turn = t.queue.wait()
	q.mu.Unlock()

	if err := q.awaitTurn(ctx, t); err != nil {
		return nil, err
	}

	if t.queue == q.main {
		q.mu.Lock()
		switch {
		case q.sublimited != nil && sublimit:
			// A sublimit started while this request waited: move it over
			next := q.sublimited.wait()
			q.main.cancel(t.turn)
			t.queue, t.turn = q.sublimited, next
			q.mu.Unlock()
			if err := q.awaitTurn(ctx, t); err != nil {
				return nil, err
			}
		case q.sublimitDone != nil:
			gate := q.sublimitDone
			q.mu.Unlock()
			select {
			case <-gate:
			case <-ctx.Done():
				q.leave(t)
				return nil, ctx.Err()
			}
		default:
			q.mu.Unlock()
		}
	}

	defer q.leave(t)
	return q.run(ctx, t, key, req)
}

// awaitTurn blocks until t reaches the head of its queue. On cancellation
// the ticket leaves the queue.
func (q *bucketQueue) awaitTurn(ctx context.Context, t *ticket) error {
	select {
	case <-t.turn:
		return nil
	case <-ctx.Done():
		q.leave(t)
		return ctx.Err()
	}
}

// leave removes t from its queue, handing the turn on, and retires the
// sublimited queue once it is empty.
func (q *bucketQueue) leave(t *ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t.queue.cancel(t.turn)
	if q.sublimited != nil && q.sublimited.remaining() == 0 {
		if q.sublimitDone != nil {
			close(q.sublimitDone)
			q.sublimitDone = nil
		}
		q.sublimited = nil
	}
}

func (q *bucketQueue) lockWire(ctx context.Context) error {
	select {
	case q.wire <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *bucketQueue) unlockWire() {
	<-q.wire
}

// run sends req until it yields a result or a terminal error. The caller
// holds the head of t.queue.
func (q *bucketQueue) run(ctx context.Context, t *ticket, key route.Key, req *preparedRequest) (*Result, error) {
	if err := q.lockWire(ctx); err != nil {
		return nil, err
	}
	held := true
	defer func() {
		if held {
			q.unlockWire()
		}
	}()

	offset := q.d.opts.Offset
	retries := 0

	for {
		if err := q.waitForLimits(ctx, key, req); err != nil {
			return nil, err
		}

		q.d.bus.PublishRequest(req.method, key.Original, key.BucketRoute, retries)

		start := time.Now()
		resp, body, err := q.send(ctx, req)
		if err != nil {
			kind := dhttp.ClassifyError(ctx, err)
			if kind == dhttp.ErrorTypeCanceled && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if kind.Retryable() && retries < q.d.opts.Retries {
				retries++
				q.d.debugf("Retrying %s %s after %s error (%d/%d)", req.method, key.Original, kind, retries, q.d.opts.Retries)
				continue
			}
			if kind == dhttp.ErrorTypeTimeout {
				err = ErrAborted
			}
			return nil, q.transportError(req, nil, err)
		}
		q.d.bus.PublishResponse(req.method, key.Original, key.BucketRoute, retries, resp.StatusCode, resp.Header, time.Since(start))

		now := q.d.now()
		headers := ratelimit.ParseHeaders(resp.Header)
		q.state.Update(headers, now, offset)
		q.d.updateHash(req.method, key.BucketRoute, q.hash, headers.Bucket)

		var sublimitTimeout time.Duration
		if headers.HasRetryAfter {
			if retryAfter := headers.RetryAfter + offset; retryAfter > 0 {
				if headers.Global {
					q.d.global.Trip(now, retryAfter)
				} else if !q.state.Limited(now) {
					// The bucket is not exhausted, so this is a sublimit.
					// Bucket state is left alone so the whole route is not blocked.
					sublimitTimeout = retryAfter
				}
			}
		}

		if ratelimit.IsInvalidStatus(resp.StatusCode) {
			count, left := q.d.invalid.Record(now)
			if interval := q.d.opts.InvalidRequestWarningInterval; interval > 0 && count%interval == 0 {
				q.d.bus.PublishInvalidRequestWarning(count, left)
			}
		}

		status := resp.StatusCode
		switch {
		case status >= 200 && status < 300:
			return newResult(resp, body), nil

		case status == http.StatusTooManyRequests:
			global := q.d.global.Limited(now)
			info := q.rateLimitInfo(key, req, global, now)
			if err := q.checkReject(ctx, info); err != nil {
				return nil, err
			}
			q.d.debugf("%s", q.unexpected429(key, req, info, headers, sublimitTimeout))

			if sublimitTimeout > 0 {
				q.unlockWire()
				held = false
				if err := q.sleepSublimit(ctx, t, sublimitTimeout); err != nil {
					return nil, err
				}
				if err := q.lockWire(ctx); err != nil {
					return nil, err
				}
				held = true
			}
			// The next attempt should pass, so the retry budget is untouched
			continue

		case status >= 500 && status < 600:
			if retries < q.d.opts.Retries {
				retries++
				if backoff := dhttp.CalculateBackoff(retries, retryBackoffBase, q.d.opts.RetryBackoff); backoff > 0 {
					if err := sleepCtx(ctx, backoff); err != nil {
						return nil, err
					}
				}
				continue
			}
			return nil, q.transportError(req, resp, nil)

		case status >= 400 && status < 500:
			if status == http.StatusUnauthorized && req.token != "" {
				// The token we sent is no longer valid
				if q.d.clearToken(req.token) {
					q.d.logger.Warn().Str("route", key.BucketRoute).Msg("Token rejected with 401, cleared")
				}
			}
			return nil, newAPIError(status, req.method, req.url, body, req.jsonBody)

		default:
			return &Result{Status: status, Header: resp.Header}, nil
		}
	}
}

// waitForLimits blocks while the bucket or the global window is exhausted.
// It returns once the request holds a slot of the global window, so the
// caller must send right away.
func (q *bucketQueue) waitForLimits(ctx context.Context, key route.Key, req *preparedRequest) error {
	offset := q.d.opts.Offset
	for {
		now := q.d.now()
		if q.state.Limited(now) {
			info := q.rateLimitInfo(key, req, false, now)
			q.d.bus.PublishRateLimited(info)
			if err := q.checkReject(ctx, info); err != nil {
				return err
			}

			q.d.debugf("Waiting %dms for rate limit to pass", info.TimeToReset.Milliseconds())
			if err := sleepCtx(ctx, info.TimeToReset); err != nil {
				return err
			}
			continue
		}

		// The bucket state only changes while the wire is held, so a slot
		// taken here is spent on this request
		if q.d.global.Acquire(now) {
			return nil
		}

		info := q.rateLimitInfo(key, req, true, now)
		var delay <-chan struct{}
		// Every queue waits on the same handle
		info.TimeToReset, delay = q.d.global.Wait(now, offset)

		q.d.bus.PublishRateLimited(info)
		if err := q.checkReject(ctx, info); err != nil {
			return err
		}

		q.d.debugf("Global rate limit hit, blocking all requests for %dms", info.TimeToReset.Milliseconds())
		select {
		case <-delay:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *bucketQueue) rateLimitInfo(key route.Key, req *preparedRequest, global bool, now time.Time) ratelimit.Info {
	info := ratelimit.Info{
		Method:         req.method,
		Hash:           q.hash,
		URL:            req.url,
		Route:          key.BucketRoute,
		MajorParameter: q.majorParameter,
		Global:         global,
	}
	if global {
		info.Limit = q.d.global.PerSecond()
		info.TimeToReset = q.d.global.TimeToReset(now, q.d.opts.Offset)
	} else {
		info.Limit = q.state.Limit()
		info.TimeToReset = q.state.TimeToReset(now, q.d.opts.Offset)
	}
	return info
}

func (q *bucketQueue) checkReject(ctx context.Context, info ratelimit.Info) error {
	reject, err := q.d.opts.RejectOnRateLimit.ShouldReject(ctx, info)
	if err != nil {
		return err
	}
	if reject {
		return &RateLimitError{Info: info}
	}
	return nil
}

// sleepSublimit parks the request in the sublimited queue for timeout.
// The main queue runs during the sleep and stalls after it until the
// sublimited queue drains.
func (q *bucketQueue) sleepSublimit(ctx context.Context, t *ticket, timeout time.Duration) error {
	q.mu.Lock()
	if q.sublimited == nil {
		q.sublimited = newAsyncQueue()
		holder := q.sublimited.wait()
		q.main.cancel(t.turn)
		t.queue, t.turn = q.sublimited, holder
	}
	if q.sublimitDone != nil {
		close(q.sublimitDone)
		q.sublimitDone = nil
	}
	q.mu.Unlock()

	if err := sleepCtx(ctx, timeout); err != nil {
		return err
	}

	q.mu.Lock()
	if q.sublimited != nil && q.sublimitDone == nil {
		q.sublimitDone = make(chan struct{})
	}
	q.mu.Unlock()
	return nil
}

// send performs one attempt bounded by the request timeout. The body is
// read before the attempt context is released.
func (q *bucketQueue) send(ctx context.Context, req *preparedRequest) (*http.Response, []byte, error) {
	attempt, cancel := context.WithTimeout(ctx, q.d.opts.Timeout)
	defer cancel()

	httpReq, err := req.newHTTPRequest(attempt)
	if err != nil {
		return nil, nil, err
	}

	resp, err := q.d.client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (q *bucketQueue) transportError(req *preparedRequest, resp *http.Response, err error) *TransportError {
	e := &TransportError{
		Method:      req.method,
		URL:         req.url,
		Body:        req.jsonBody,
		Attachments: req.attachments,
		Err:         err,
	}
	if resp != nil {
		e.Status = resp.StatusCode
		e.StatusText = strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
		if e.StatusText == "" {
			e.StatusText = http.StatusText(resp.StatusCode)
		}
	}
	return e
}

func (q *bucketQueue) unexpected429(key route.Key, req *preparedRequest, info ratelimit.Info, headers ratelimit.Headers, sublimit time.Duration) string {
	retryAfter := headers.RetryAfter + q.d.opts.Offset
	sub := "None"
	if sublimit > 0 {
		sub = fmt.Sprintf("%dms", sublimit.Milliseconds())
	}
	lines := []string{
		"Encountered unexpected 429 rate limit",
		fmt.Sprintf("  Global         : %t", info.Global),
		fmt.Sprintf("  Method         : %s", req.method),
		fmt.Sprintf("  URL            : %s", req.url),
		fmt.Sprintf("  Bucket         : %s", key.BucketRoute),
		fmt.Sprintf("  Major parameter: %s", q.majorParameter),
		fmt.Sprintf("  Hash           : %s", q.hash),
		fmt.Sprintf("  Limit          : %s", formatLimit(info.Limit)),
		fmt.Sprintf("  Retry After    : %dms", retryAfter.Milliseconds()),
		fmt.Sprintf("  Sublimit       : %s", sub),
	}
	return strings.Join(lines, "\n")
}

func formatLimit(limit int) string {
	if limit == ratelimit.Unlimited {
		return "Infinity"
	}
	return strconv.Itoa(limit)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
