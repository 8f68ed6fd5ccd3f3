// Package route reduces raw API paths to the bucket keys the remote API
// rate limits on.
package route

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rescale/rest-dispatch/internal/constants"
)

const (
	// GlobalMajor is the major parameter of routes without a major id
	GlobalMajor = "global"

	// OldMessageSuffix is appended to deletions of messages past OldMessageAge
	OldMessageSuffix = "/Delete Old Message"

	idPlaceholder       = ":id"
	reactionPlaceholder = "/reactions/:reaction"
	messageRoute        = "/channels/:id/messages/:id"
)

var (
	majorIDPattern  = regexp.MustCompile(`^/(?:channels|guilds|webhooks)/(\d{16,19})`)
	idPattern       = regexp.MustCompile(`\d{16,19}`)
	trailingID      = regexp.MustCompile(`\d{16,19}$`)
	reactionPattern = regexp.MustCompile(`/reactions/(.*)`)
)

// Key identifies the rate limit bucket family of one request.
type Key struct {
	// BucketRoute is the path with ids replaced by placeholders
	BucketRoute string
	// MajorParameter is the id that further partitions the bucket, or "global"
	MajorParameter string
	// Original is the path as submitted
	Original string
}

// Classifier maps paths to Keys. It holds no mutable state; the clock is
// only read to age message ids for the old-message deletion bucket.
type Classifier struct {
	snowflake     Snowflake
	oldMessageAge time.Duration
	now           func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSnowflake sets the identifier layout used to age message ids.
func WithSnowflake(s Snowflake) Option {
	return func(c *Classifier) { c.snowflake = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// NewClassifier returns a Classifier using the remote API's snowflake layout
// unless overridden.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		snowflake:     DefaultSnowflake(),
		oldMessageAge: constants.OldMessageAge,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify generalizes path for method into its bucket Key.
func (c *Classifier) Classify(path, method string) Key {
	major := GlobalMajor
	if m := majorIDPattern.FindStringSubmatch(path); m != nil {
		major = m[1]
	}

	base := idPattern.ReplaceAllString(path, idPlaceholder)
	base = reactionPattern.ReplaceAllLiteralString(base, reactionPlaceholder)

	// Deleting a message older than two weeks is billed to its own bucket
	if strings.EqualFold(method, http.MethodDelete) && base == messageRoute {
		if id := trailingID.FindString(path); id != "" {
			if ts, err := c.snowflake.Timestamp(id); err == nil && c.now().Sub(ts) > c.oldMessageAge {
				base += OldMessageSuffix
			}
		}
	}

	return Key{
		BucketRoute:    base,
		MajorParameter: major,
		Original:       path,
	}
}
