package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/rest-dispatch/internal/config"
	"github.com/rescale/rest-dispatch/internal/constants"
	"github.com/rescale/rest-dispatch/internal/logging"
)

// defaultProxyPort is used when proxy.port is unset.
const defaultProxyPort = 8080

// ConfigureHTTPClient configures an HTTP client with proxy settings
func ConfigureHTTPClient(proxy config.ProxyConfig, warmupURL string, logger *logging.Logger) (*nethttp.Client, error) {
	transport := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   constants.HTTPMaxIdleConnsPerHost,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}

	switch strings.ToLower(proxy.Mode) {
	case "no-proxy", "":
		transport.Proxy = nil

	case "system":
		transport.Proxy = nethttp.ProxyFromEnvironment

	case "ntlm":
		// Fall back to no-proxy if host is missing so the user can fix the config
		if proxy.Host == "" {
			logger.Warn().Msg("Proxy mode is ntlm but host is missing, falling back to no-proxy mode")
			return &nethttp.Client{Transport: transport}, nil
		}

		transport.Proxy = proxyFuncWithBypass(buildProxyURL(proxy), proxy.NoProxy, logger)
		client := &nethttp.Client{
			Transport: ntlmssp.Negotiator{
				RoundTripper: transport,
			},
		}

		if proxy.Warmup && proxy.User != "" && proxy.Password != "" {
			if err := warmupProxy(client, warmupURL); err != nil {
				return nil, fmt.Errorf("proxy warmup failed: %w", err)
			}
		}
		return client, nil

	case "basic":
		if proxy.Host == "" {
			logger.Warn().Msg("Proxy mode is basic but host is missing, falling back to no-proxy mode")
			return &nethttp.Client{Transport: transport}, nil
		}

		transport.Proxy = proxyFuncWithBypass(buildProxyURL(proxy), proxy.NoProxy, logger)
		if proxy.User != "" && proxy.Password == "" {
			logger.Warn().Msg("Proxy user configured but password missing, proxy auth disabled until password is set")
		}

		client := &nethttp.Client{Transport: transport}
		if proxy.Warmup && proxy.User != "" && proxy.Password != "" {
			if err := warmupProxy(client, warmupURL); err != nil {
				return nil, fmt.Errorf("proxy warmup failed: %w", err)
			}
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", proxy.Mode)
	}

	client := &nethttp.Client{Transport: transport}
	if proxy.Warmup && transport.Proxy != nil {
		if err := warmupProxy(client, warmupURL); err != nil {
			return nil, fmt.Errorf("proxy warmup failed: %w", err)
		}
	}
	return client, nil
}

// buildProxyURL constructs a proxy URL from config
func buildProxyURL(proxy config.ProxyConfig) *url.URL {
	port := proxy.Port
	if port == 0 {
		port = defaultProxyPort
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(proxy.Host, fmt.Sprint(port)),
	}

	// Only embed credentials if both user AND password are provided.
	// An empty password in the URL makes some proxies reject the request.
	if proxy.User != "" && proxy.Password != "" {
		proxyURL.User = url.UserPassword(proxy.User, proxy.Password)
	}
	return proxyURL
}

// warmupProxy sends one request through the proxy to establish the
// connection (and the NTLM handshake) before the first real request.
func warmupProxy(client *nethttp.Client, warmupURL string) error {
	if warmupURL == "" {
		warmupURL = constants.DefaultAPIBaseURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ProxyWarmupTimeout)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, warmupURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("warmup request returned server error: %d", resp.StatusCode)
	}
	return nil
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// If noProxy is empty, behaves identically to nethttp.ProxyURL.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string, logger *logging.Logger) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			logger.Debug().Str("host", req.URL.Host).Msg("Proxy bypass (direct connection)")
		} else {
			logger.Debug().Str("host", req.URL.Host).Str("proxy", result.Host).Msg("Proxied")
		}
		return result, err
	}
}

// NeedsProxyPassword returns true if the proxy configuration requires a password
// but one has not been provided. Used by the CLI to decide whether to prompt.
func NeedsProxyPassword(proxy config.ProxyConfig) bool {
	mode := strings.ToLower(proxy.Mode)
	if mode != "basic" && mode != "ntlm" {
		return false
	}
	return proxy.User != "" && proxy.Password == ""
}
