package logging

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/rescale/rest-dispatch/internal/events"
)

// Follow logs dispatcher events from bus until ctx is done or the bus is
// closed. Debug events log at debug level. Rate limit and invalid request
// warnings log at warn level, at most once per second each, with the
// number of suppressed events in between.
func (l *Logger) Follow(ctx context.Context, bus *events.EventBus) {
	ch := bus.SubscribeAll()
	defer bus.UnsubscribeAll(ch)

	limited := &throttle{every: rate.Sometimes{Interval: time.Second}}
	invalid := &throttle{every: rate.Sometimes{Interval: time.Second}}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			l.logEvent(ev, limited, invalid)
		}
	}
}

func (l *Logger) logEvent(ev events.Event, limited, invalid *throttle) {
	switch e := ev.(type) {
	case *events.DebugEvent:
		l.Debug().Msg(e.Message)

	case *events.RateLimitedEvent:
		limited.do(func(suppressed int) {
			l.Warn().
				Str("route", e.Route).
				Str("major", e.MajorParameter).
				Str("hash", e.Hash).
				Bool("global", e.Global).
				Int("limit", e.Limit).
				Dur("wait", e.TimeToReset).
				Int("suppressed", suppressed).
				Msgf("Rate limited: %s %s", e.Method, e.Route)
		})

	case *events.InvalidRequestWarningEvent:
		invalid.do(func(int) {
			l.Warn().
				Int("count", e.Count).
				Dur("window_left", e.RemainingTime).
				Msg("Invalid request count is growing; the remote API bans at 10000 per 10 minutes")
		})

	case *events.RequestEvent:
		l.Debug().Str("method", e.Method).Str("path", e.Path).Int("retries", e.Retries).Msg("Request")

	case *events.ResponseEvent:
		l.Debug().Str("method", e.Method).Str("path", e.Path).Int("status", e.Status).Dur("took", e.Duration).Msg("Response")
	}
}

// throttle runs at most one log call per interval and counts the rest.
type throttle struct {
	every      rate.Sometimes
	suppressed int
}

func (t *throttle) do(f func(suppressed int)) {
	ran := false
	t.every.Do(func() {
		ran = true
		f(t.suppressed)
	})
	if ran {
		t.suppressed = 0
	} else {
		t.suppressed++
	}
}
