// Package http builds the outbound HTTP client used by the dispatcher:
// proxy handling, HTTP/2 and a single-attempt retryablehttp wrapper.
package http

import (
	"context"
	"crypto/tls"
	nethttp "net/http"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"

	"github.com/rescale/rest-dispatch/internal/config"
	"github.com/rescale/rest-dispatch/internal/constants"
	"github.com/rescale/rest-dispatch/internal/logging"
)

// retryLogger implements the retryablehttp.LeveledLogger interface on top
// of the tool logger.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// The dispatcher reports its own progress; per-attempt chatter stays at debug
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// NewClient returns the *http.Client the dispatcher sends through.
//
// Every call performs exactly one attempt. The dispatcher owns retries and
// rate limit waits, so retryablehttp runs with RetryMax 0 and a CheckRetry
// that never retries; the passthrough error handler hands back the
// transport's own errors and responses.
//
// warmupURL is only used when proxy warmup is enabled.
func NewClient(proxy config.ProxyConfig, warmupURL string, logger *logging.Logger) (*nethttp.Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	baseClient, err := NewTransportClient(proxy, warmupURL, logger)
	if err != nil {
		return nil, err
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = baseClient
	retryClient.RetryMax = 0
	retryClient.CheckRetry = func(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
		return false, nil
	}
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &retryLogger{logger: logger}

	return retryClient.StandardClient(), nil
}

// NewTransportClient returns a plain client with proxy settings and a tuned
// transport. No overall timeout is set; each attempt carries its own
// context deadline.
func NewTransportClient(proxy config.ProxyConfig, warmupURL string, logger *logging.Logger) (*nethttp.Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	baseClient, err := ConfigureHTTPClient(proxy, warmupURL, logger)
	if err != nil {
		return nil, err
	}
	baseClient.Timeout = 0

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM mode wraps the transport in ntlmssp.Negotiator
		return baseClient, nil
	}

	tr.MaxIdleConnsPerHost = constants.HTTPMaxIdleConnsPerHost
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	// Set DISABLE_HTTP2=true to force HTTP/1.1
	if os.Getenv("DISABLE_HTTP2") == "true" || proxyActive(proxy) && os.Getenv("FORCE_HTTP2") != "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	return baseClient, nil
}

// proxyActive reports whether requests will go through a proxy. Proxies
// often break HTTP/2 multiplexing, so HTTP/2 is turned off behind one.
func proxyActive(proxy config.ProxyConfig) bool {
	switch strings.ToLower(proxy.Mode) {
	case "no-proxy", "":
		return false
	case "system":
		return os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	default:
		return true
	}
}
