package constants

import "time"

// Remote API defaults
const (
	// DefaultAPIBaseURL is the API root without a version segment
	DefaultAPIBaseURL = "https://discord.com/api"

	// DefaultAPIVersion is appended as /v{version} to versioned requests
	DefaultAPIVersion = "10"

	// DefaultCDNBaseURL is the root of asset URLs
	DefaultCDNBaseURL = "https://cdn.discordapp.com"

	// DefaultAuthPrefix is the Authorization scheme used when a request does not set one
	DefaultAuthPrefix = "Bot"

	// UserAgentBase is the fixed part of the outgoing User-Agent header
	UserAgentBase = "DiscordBot (https://github.com/rescale/rest-dispatch, 1.0.0)"
)

// Rate limit behaviour
const (
	// DefaultOffset is added to every computed reset time to absorb clock skew
	DefaultOffset = 50 * time.Millisecond

	// DefaultRetries is the retry budget for timeouts and 5xx responses
	DefaultRetries = 3

	// DefaultRequestTimeout aborts a single network attempt
	DefaultRequestTimeout = 15 * time.Second

	// DefaultGlobalRequestsPerSecond is the global cap shared by every bucket
	DefaultGlobalRequestsPerSecond = 50

	// GlobalWindow is the length of one global accounting window
	GlobalWindow = time.Second

	// InvalidRequestWindow is the rolling window for 401/403/429 accounting.
	// The remote API bans an IP that exceeds 10000 invalid requests in it.
	InvalidRequestWindow = 10 * time.Minute

	// OldMessageAge marks messages whose deletion is billed to a separate bucket
	OldMessageAge = 14 * 24 * time.Hour

	// DefaultHandlerSweepInterval is how often inactive bucket queues are dropped
	DefaultHandlerSweepInterval = time.Hour

	// DefaultHashLifetime is how long an unused bucket hash mapping is kept
	DefaultHashLifetime = 24 * time.Hour

	// DefaultRetryBackoffMax caps the optional delay between 5xx retries
	DefaultRetryBackoffMax = 2 * time.Second
)

// Snowflake layout
const (
	// DefaultSnowflakeEpoch is the remote API epoch in unix milliseconds (2015-01-01)
	DefaultSnowflakeEpoch int64 = 1420070400000

	// DefaultSnowflakeShift is the number of low bits that do not carry the timestamp
	DefaultSnowflakeShift uint = 22
)

// Event bus sizing
const (
	// EventBusDefaultBuffer is the per-subscriber channel buffer
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer caps caller-provided buffer sizes
	EventBusMaxBuffer = 10000
)

// HTTP transport
const (
	HTTPDialTimeout           = 30 * time.Second
	HTTPDialKeepAlive         = 30 * time.Second
	HTTPIdleConnTimeout       = 90 * time.Second
	HTTPTLSHandshakeTimeout   = 15 * time.Second
	HTTPExpectContinueTimeout = 1 * time.Second
	HTTPMaxIdleConnsPerHost   = 32

	// ProxyWarmupTimeout bounds the optional proxy warmup request
	ProxyWarmupTimeout = 15 * time.Second
)

// Proxy server
const (
	DefaultListenAddr        = ":8080"
	ServerReadHeaderTimeout  = 10 * time.Second
	ServerShutdownTimeout    = 10 * time.Second
	ServerMaxRequestBodySize = 25 * 1024 * 1024
)
