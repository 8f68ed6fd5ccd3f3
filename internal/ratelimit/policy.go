package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Info describes a rate limit a request is about to wait for.
type Info struct {
	// TimeToReset is how long the request would wait
	TimeToReset time.Duration
	// Limit is the bucket limit, the global cap when Global is set, or Unlimited
	Limit          int
	Method         string
	Hash           string
	URL            string
	Route          string
	MajorParameter string
	Global         bool
}

// RejectPolicy decides whether a rate limit wait is turned into an error.
// The zero value never rejects.
type RejectPolicy struct {
	mode      rejectMode
	prefixes  []string
	predicate func(context.Context, Info) (bool, error)
}

type rejectMode int

const (
	rejectNone rejectMode = iota
	rejectAll
	rejectPrefixes
	rejectPredicate
)

// RejectNone waits out every rate limit.
func RejectNone() RejectPolicy { return RejectPolicy{} }

// RejectAll rejects every rate limit wait.
func RejectAll() RejectPolicy { return RejectPolicy{mode: rejectAll} }

// RejectRoutes rejects waits on bucket routes starting with any prefix.
// Prefixes are compared in lower case.
func RejectRoutes(prefixes ...string) RejectPolicy {
	lowered := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	if len(lowered) == 0 {
		return RejectNone()
	}
	return RejectPolicy{mode: rejectPrefixes, prefixes: lowered}
}

// RejectFunc delegates the decision to fn. A nil fn never rejects.
func RejectFunc(fn func(context.Context, Info) (bool, error)) RejectPolicy {
	if fn == nil {
		return RejectNone()
	}
	return RejectPolicy{mode: rejectPredicate, predicate: fn}
}

// ParseRejectPolicy reads the config file form: "none", "all" or a comma
// separated list of route prefixes.
func ParseRejectPolicy(raw string) (RejectPolicy, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "none", "false":
		return RejectNone(), nil
	case "all", "true":
		return RejectAll(), nil
	}
	if !strings.HasPrefix(raw, "/") {
		return RejectPolicy{}, fmt.Errorf("invalid reject policy %q: expected none, all or route prefixes", raw)
	}
	return RejectRoutes(strings.Split(raw, ",")...), nil
}

// ShouldReject reports whether the wait described by info must fail.
func (p RejectPolicy) ShouldReject(ctx context.Context, info Info) (bool, error) {
	switch p.mode {
	case rejectAll:
		return true, nil
	case rejectPrefixes:
		for _, prefix := range p.prefixes {
			if strings.HasPrefix(info.Route, prefix) {
				return true, nil
			}
		}
		return false, nil
	case rejectPredicate:
		return p.predicate(ctx, info)
	default:
		return false, nil
	}
}

// String returns the config file form of the policy.
func (p RejectPolicy) String() string {
	switch p.mode {
	case rejectAll:
		return "all"
	case rejectPrefixes:
		return strings.Join(p.prefixes, ",")
	case rejectPredicate:
		return "custom"
	default:
		return "none"
	}
}
