// Package config loads and saves the rest-dispatch configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rescale/rest-dispatch/internal/constants"
	"github.com/rescale/rest-dispatch/internal/ratelimit"
	"github.com/rescale/rest-dispatch/internal/route"
)

// Environment variables that override the file.
const (
	EnvToken  = "DISPATCH_TOKEN"
	EnvAPIURL = "DISPATCH_API_URL"
)

// ConfigDir is the directory name under the user config root.
const ConfigDir = "rest-dispatch"

// Config is the on-disk configuration.
//
// Config file location:
//   - Windows: %APPDATA%\rest-dispatch\config
//   - Unix: ~/.config/rest-dispatch/config
//
// INI format:
//
//	[api]
//	base_url = https://discord.com/api
//	version = 10
//	token = <bot token>
//	user_agent_appendix =
//
//	[ratelimit]
//	offset_ms = 50
//	retries = 3
//	timeout_ms = 15000
//	global_requests_per_second = 50
//	invalid_request_warning_interval = 0
//	reject_on_rate_limit = none
//	retry_backoff_ms = 0
//	handler_sweep_interval_s = 3600
//	hash_lifetime_s = 86400
//
//	[snowflake]
//	epoch_ms = 1420070400000
//	shift = 22
//
//	[proxy]
//	mode = no-proxy
//
//	[server]
//	listen = :8080
type Config struct {
	API       APIConfig
	RateLimit RateLimitConfig
	Snowflake SnowflakeConfig
	Proxy     ProxyConfig
	Server    ServerConfig
}

// APIConfig describes the remote API and how requests authenticate.
type APIConfig struct {
	BaseURL           string
	Version           string
	Token             string
	UserAgentAppendix string
}

// RateLimitConfig holds the dispatcher tuning knobs.
type RateLimitConfig struct {
	OffsetMs                int
	Retries                 int
	TimeoutMs               int
	GlobalRequestsPerSecond int

	// InvalidRequestWarningInterval emits a warning every N invalid
	// requests. Zero disables the warning.
	InvalidRequestWarningInterval int

	// RejectOnRateLimit is "none", "all" or comma separated route prefixes
	RejectOnRateLimit string

	// RetryBackoffMs caps the jittered delay before a 5xx retry. Zero retries immediately.
	RetryBackoffMs int

	HandlerSweepIntervalS int
	HashLifetimeS         int
}

// SnowflakeConfig holds the ID layout used to date message IDs.
type SnowflakeConfig struct {
	EpochMs int64
	Shift   uint
}

// ProxyConfig holds outbound proxy settings.
type ProxyConfig struct {
	// Mode is one of no-proxy, system, basic, ntlm
	Mode     string
	Host     string
	Port     int
	User     string
	Password string
	// NoProxy is a comma separated bypass list (hosts, domains, CIDRs)
	NoProxy string
	// Warmup sends one request through the proxy at startup
	Warmup bool
}

// ServerConfig configures the local proxy server.
type ServerConfig struct {
	Listen string
}

// Validation errors
var (
	ErrMissingBaseURL      = errors.New("api.base_url is required")
	ErrInvalidBaseURL      = errors.New("api.base_url must start with http:// or https://")
	ErrInvalidVersion      = errors.New("api.version must be a positive integer")
	ErrInvalidRetries      = errors.New("ratelimit.retries must not be negative")
	ErrInvalidTimeout      = errors.New("ratelimit.timeout_ms must be positive")
	ErrInvalidOffset       = errors.New("ratelimit.offset_ms must not be negative")
	ErrInvalidGlobalLimit  = errors.New("ratelimit.global_requests_per_second must be positive")
	ErrInvalidWarnInterval = errors.New("ratelimit.invalid_request_warning_interval must not be negative")
	ErrInvalidShift        = errors.New("snowflake.shift must be between 1 and 63")
	ErrInvalidProxyMode    = errors.New("proxy.mode must be one of no-proxy, system, basic, ntlm")
	ErrMissingProxyHost    = errors.New("proxy.host is required for basic and ntlm modes")
)

// NewConfig returns a Config holding the defaults.
func NewConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: constants.DefaultAPIBaseURL,
			Version: constants.DefaultAPIVersion,
		},
		RateLimit: RateLimitConfig{
			OffsetMs:                int(constants.DefaultOffset / time.Millisecond),
			Retries:                 constants.DefaultRetries,
			TimeoutMs:               int(constants.DefaultRequestTimeout / time.Millisecond),
			GlobalRequestsPerSecond: constants.DefaultGlobalRequestsPerSecond,
			RejectOnRateLimit:       "none",
			HandlerSweepIntervalS:   int(constants.DefaultHandlerSweepInterval / time.Second),
			HashLifetimeS:           int(constants.DefaultHashLifetime / time.Second),
		},
		Snowflake: SnowflakeConfig{
			EpochMs: constants.DefaultSnowflakeEpoch,
			Shift:   constants.DefaultSnowflakeShift,
		},
		Proxy: ProxyConfig{
			Mode: "no-proxy",
		},
		Server: ServerConfig{
			Listen: constants.DefaultListenAddr,
		},
	}
}

func configRoot() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return appData
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config")
	}
	return ""
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	root := configRoot()
	if root == "" {
		return "rest-dispatch.ini"
	}
	return filepath.Join(root, ConfigDir, "config")
}

// Load reads the configuration from an INI file. A missing file yields the
// defaults and no error. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		file, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
		cfg.readFrom(file)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

func (c *Config) readFrom(file *ini.File) {
	api := file.Section("api")
	c.API.BaseURL = api.Key("base_url").MustString(c.API.BaseURL)
	c.API.Version = api.Key("version").MustString(c.API.Version)
	c.API.Token = api.Key("token").String()
	c.API.UserAgentAppendix = api.Key("user_agent_appendix").String()

	rl := file.Section("ratelimit")
	c.RateLimit.OffsetMs = rl.Key("offset_ms").MustInt(c.RateLimit.OffsetMs)
	c.RateLimit.Retries = rl.Key("retries").MustInt(c.RateLimit.Retries)
	c.RateLimit.TimeoutMs = rl.Key("timeout_ms").MustInt(c.RateLimit.TimeoutMs)
	c.RateLimit.GlobalRequestsPerSecond = rl.Key("global_requests_per_second").MustInt(c.RateLimit.GlobalRequestsPerSecond)
	c.RateLimit.InvalidRequestWarningInterval = rl.Key("invalid_request_warning_interval").MustInt(0)
	c.RateLimit.RejectOnRateLimit = rl.Key("reject_on_rate_limit").MustString(c.RateLimit.RejectOnRateLimit)
	c.RateLimit.RetryBackoffMs = rl.Key("retry_backoff_ms").MustInt(0)
	c.RateLimit.HandlerSweepIntervalS = rl.Key("handler_sweep_interval_s").MustInt(c.RateLimit.HandlerSweepIntervalS)
	c.RateLimit.HashLifetimeS = rl.Key("hash_lifetime_s").MustInt(c.RateLimit.HashLifetimeS)

	sf := file.Section("snowflake")
	c.Snowflake.EpochMs = sf.Key("epoch_ms").MustInt64(c.Snowflake.EpochMs)
	c.Snowflake.Shift = sf.Key("shift").MustUint(c.Snowflake.Shift)

	px := file.Section("proxy")
	c.Proxy.Mode = px.Key("mode").MustString(c.Proxy.Mode)
	c.Proxy.Host = px.Key("host").String()
	c.Proxy.Port = px.Key("port").MustInt(0)
	c.Proxy.User = px.Key("user").String()
	c.Proxy.Password = px.Key("password").String()
	c.Proxy.NoProxy = px.Key("no_proxy").String()
	c.Proxy.Warmup = px.Key("warmup").MustBool(false)

	c.Server.Listen = file.Section("server").Key("listen").MustString(c.Server.Listen)
}

// ApplyEnv applies DISPATCH_TOKEN and DISPATCH_API_URL.
func (c *Config) ApplyEnv() {
	if token := os.Getenv(EnvToken); token != "" {
		c.API.Token = token
	}
	if apiURL := os.Getenv(EnvAPIURL); apiURL != "" {
		c.API.BaseURL = apiURL
	}
}

// MergeWithFlags applies command-line values. Priority: flags > environment > file > defaults.
func (c *Config) MergeWithFlags(token, apiURL string) {
	if token != "" {
		c.API.Token = token
	}
	if apiURL != "" {
		c.API.BaseURL = apiURL
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
}

// Save writes the configuration to an INI file, creating parent directories.
// The token is stored in the file, so the file is written with 0600.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file := ini.Empty()
	sections := []struct {
		name   string
		values [][2]string
	}{
		{"api", [][2]string{
			{"base_url", cfg.API.BaseURL},
			{"version", cfg.API.Version},
			{"token", cfg.API.Token},
			{"user_agent_appendix", cfg.API.UserAgentAppendix},
		}},
		{"ratelimit", [][2]string{
			{"offset_ms", strconv.Itoa(cfg.RateLimit.OffsetMs)},
			{"retries", strconv.Itoa(cfg.RateLimit.Retries)},
			{"timeout_ms", strconv.Itoa(cfg.RateLimit.TimeoutMs)},
			{"global_requests_per_second", strconv.Itoa(cfg.RateLimit.GlobalRequestsPerSecond)},
			{"invalid_request_warning_interval", strconv.Itoa(cfg.RateLimit.InvalidRequestWarningInterval)},
			{"reject_on_rate_limit", cfg.RateLimit.RejectOnRateLimit},
			{"retry_backoff_ms", strconv.Itoa(cfg.RateLimit.RetryBackoffMs)},
			{"handler_sweep_interval_s", strconv.Itoa(cfg.RateLimit.HandlerSweepIntervalS)},
			{"hash_lifetime_s", strconv.Itoa(cfg.RateLimit.HashLifetimeS)},
		}},
		{"snowflake", [][2]string{
			{"epoch_ms", strconv.FormatInt(cfg.Snowflake.EpochMs, 10)},
			{"shift", strconv.FormatUint(uint64(cfg.Snowflake.Shift), 10)},
		}},
		{"proxy", [][2]string{
			{"mode", cfg.Proxy.Mode},
			{"host", cfg.Proxy.Host},
			{"port", strconv.Itoa(cfg.Proxy.Port)},
			{"user", cfg.Proxy.User},
			// Password is never persisted
			{"no_proxy", cfg.Proxy.NoProxy},
			{"warmup", strconv.FormatBool(cfg.Proxy.Warmup)},
		}},
		{"server", [][2]string{
			{"listen", cfg.Server.Listen},
		}},
	}

	for _, s := range sections {
		section, err := file.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", s.name, err)
		}
		for _, kv := range s.values {
			section.Key(kv[0]).SetValue(kv[1])
		}
	}

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := file.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Validate checks the configuration and returns the first problem found.
// A missing token is not an error: unauthenticated routes still work.
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.API.BaseURL)
	if base == "" {
		return ErrMissingBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return ErrInvalidBaseURL
	}
	if v, err := strconv.Atoi(c.API.Version); err != nil || v <= 0 {
		return ErrInvalidVersion
	}

	if c.RateLimit.Retries < 0 {
		return ErrInvalidRetries
	}
	if c.RateLimit.TimeoutMs <= 0 {
		return ErrInvalidTimeout
	}
	if c.RateLimit.OffsetMs < 0 {
		return ErrInvalidOffset
	}
	if c.RateLimit.GlobalRequestsPerSecond <= 0 {
		return ErrInvalidGlobalLimit
	}
	if c.RateLimit.InvalidRequestWarningInterval < 0 {
		return ErrInvalidWarnInterval
	}
	if _, err := ratelimit.ParseRejectPolicy(c.RateLimit.RejectOnRateLimit); err != nil {
		return err
	}

	if c.Snowflake.Shift == 0 || c.Snowflake.Shift > 63 {
		return ErrInvalidShift
	}

	switch strings.ToLower(c.Proxy.Mode) {
	case "", "no-proxy", "system":
	case "basic", "ntlm":
		if c.Proxy.Host == "" {
			return ErrMissingProxyHost
		}
	default:
		return ErrInvalidProxyMode
	}
	return nil
}

// Offset returns the extra wait added to every reset time.
func (c *RateLimitConfig) Offset() time.Duration {
	return time.Duration(c.OffsetMs) * time.Millisecond
}

// Timeout returns the per-attempt request timeout.
func (c *RateLimitConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryBackoff returns the maximum delay before a 5xx retry.
func (c *RateLimitConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// HandlerSweepInterval returns how often inactive queues are dropped.
func (c *RateLimitConfig) HandlerSweepInterval() time.Duration {
	return time.Duration(c.HandlerSweepIntervalS) * time.Second
}

// HashLifetime returns how long an unused bucket hash mapping is kept.
func (c *RateLimitConfig) HashLifetime() time.Duration {
	return time.Duration(c.HashLifetimeS) * time.Second
}

// RejectPolicy parses RejectOnRateLimit, falling back to never rejecting.
func (c *RateLimitConfig) RejectPolicy() ratelimit.RejectPolicy {
	policy, err := ratelimit.ParseRejectPolicy(c.RejectOnRateLimit)
	if err != nil {
		return ratelimit.RejectNone()
	}
	return policy
}

// Layout returns the snowflake decoder for this configuration.
func (c *SnowflakeConfig) Layout() route.Snowflake {
	return route.Snowflake{Epoch: c.EpochMs, Shift: c.Shift}
}

// Redacted returns a copy safe to print: the token and proxy password are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.API.Token = mask(c.API.Token)
	out.Proxy.Password = mask(c.Proxy.Password)
	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
