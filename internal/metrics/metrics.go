// Package metrics exports dispatcher activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rescale/rest-dispatch/internal/dispatch"
	"github.com/rescale/rest-dispatch/internal/events"
)

// Namespace prefixes every metric name.
const Namespace = "rest_dispatch"

const (
	// LabelScope is "global" or "bucket" for rate limit waits
	LabelScope = "scope"

	// LabelMethod is the HTTP method of a request
	LabelMethod = "method"

	// LabelRoute is the bucket route of a request, ids replaced by placeholders
	LabelRoute = "route"

	// LabelStatusClass groups responses as 2xx, 4xx, 5xx and so on
	LabelStatusClass = "status_class"

	LabelValueScopeGlobal = "global"
	LabelValueScopeBucket = "bucket"
)

// StatsFunc reads the dispatcher bookkeeping.
type StatsFunc func() dispatch.Stats

// Metrics holds the collectors of one dispatcher on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// RateLimitWaits counts waits before a request could go out
	RateLimitWaits *prometheus.CounterVec

	// Requests counts network attempts
	Requests *prometheus.CounterVec

	// Responses counts answers by status class
	Responses *prometheus.CounterVec

	// ResponseDuration observes attempt latency in seconds
	ResponseDuration *prometheus.HistogramVec

	// InvalidRequestWarnings counts published invalid request warnings
	InvalidRequestWarnings prometheus.Counter
}

// New creates the collectors. When stats is set, queue, hash and invalid
// request gauges are read from it at scrape time.
func New(stats StatsFunc) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewPedanticRegistry(),
		RateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Number of times a request waited for a rate limit",
		}, []string{LabelScope, LabelRoute}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Number of network attempts",
		}, []string{LabelMethod, LabelRoute}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "responses_total",
			Help:      "Number of responses by status class",
		}, []string{LabelMethod, LabelRoute, LabelStatusClass}),
		ResponseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "response_duration_seconds",
			Help:      "Latency of network attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelMethod, LabelRoute}),
		InvalidRequestWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "invalid_request_warnings_total",
			Help:      "Number of invalid request warnings published",
		}),
	}

	m.Registry.MustRegister(m.RateLimitWaits, m.Requests, m.Responses, m.ResponseDuration, m.InvalidRequestWarnings)

	if stats != nil {
		m.Registry.MustRegister(
			gauge("queues", "Number of live bucket queues", func(s dispatch.Stats) float64 { return float64(s.Queues) }, stats),
			gauge("hashes", "Number of known bucket hash mappings", func(s dispatch.Stats) float64 { return float64(s.Hashes) }, stats),
			gauge("pending_requests", "Number of submitted requests not yet answered", func(s dispatch.Stats) float64 { return float64(s.Pending) }, stats),
			gauge("invalid_requests", "Invalid requests in the current window", func(s dispatch.Stats) float64 { return float64(s.InvalidRequests) }, stats),
			gauge("global_limited", "1 while the global rate limit is exhausted", func(s dispatch.Stats) float64 {
				if s.GlobalLimited {
					return 1
				}
				return 0
			}, stats),
		)
	}
	return m
}

func gauge(name, help string, read func(dispatch.Stats) float64, stats StatsFunc) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return read(stats()) })
}

// Observe records one dispatcher event.
func (m *Metrics) Observe(ev events.Event) {
	switch e := ev.(type) {
	case *events.RateLimitedEvent:
		scope := LabelValueScopeBucket
		if e.Global {
			scope = LabelValueScopeGlobal
		}
		m.RateLimitWaits.WithLabelValues(scope, e.Route).Inc()

	case *events.RequestEvent:
		m.Requests.WithLabelValues(e.Method, e.Route).Inc()

	case *events.ResponseEvent:
		m.Responses.WithLabelValues(e.Method, e.Route, StatusClass(e.Status)).Inc()
		m.ResponseDuration.WithLabelValues(e.Method, e.Route).Observe(e.Duration.Seconds())

	case *events.InvalidRequestWarningEvent:
		m.InvalidRequestWarnings.Inc()
	}
}

// Attach records every dispatcher event published on bus from now on. The
// hook runs in the publisher's goroutine, so no event is lost to a full
// buffer. The returned func detaches it.
func (m *Metrics) Attach(bus *events.EventBus) (detach func()) {
	return bus.AddHook(m.Observe,
		events.EventRateLimited,
		events.EventRequest,
		events.EventResponse,
		events.EventInvalidRequestWarning,
	)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// StatusClass returns "2xx" for 204 and so on.
func StatusClass(status int) string {
	if status < 100 || status > 999 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
