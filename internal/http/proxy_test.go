package http

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/rescale/rest-dispatch/internal/config"
	"github.com/rescale/rest-dispatch/internal/logging"
)

// TestProxyFuncWithBypass_EmptyNoProxy verifies that an empty noProxy always routes through proxy.
func TestProxyFuncWithBypass_EmptyNoProxy(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "", logging.Nop())

	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected proxy URL, got nil (direct)")
	}
	if result.Host != "proxy.corp:8080" {
		t.Errorf("expected proxy host proxy.corp:8080, got %s", result.Host)
	}
}

// TestProxyFuncWithBypass_WildcardDomain verifies *.example.com bypasses api.example.com.
func TestProxyFuncWithBypass_WildcardDomain(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "*.example.com", logging.Nop())

	// Subdomain should bypass proxy
	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil (bypass) for api.example.com, got %v", result)
	}
}

// TestProxyFuncWithBypass_ExactDomain verifies example.com bypasses root and subdomains.
func TestProxyFuncWithBypass_ExactDomain(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "example.com", logging.Nop())

	// Root domain should bypass
	req, _ := http.NewRequest("GET", "https://example.com/data", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil (bypass) for example.com, got %v", result)
	}

	// Subdomain should also bypass (httpproxy matches subdomains of a domain without leading dot)
	req2, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	result2, err := proxyFunc(req2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result2 != nil {
		t.Errorf("expected nil (bypass) for api.example.com, got %v", result2)
	}
}

// TestProxyFuncWithBypass_CIDR verifies IP/CIDR range matching.
func TestProxyFuncWithBypass_CIDR(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "10.0.0.0/8", logging.Nop())

	// IP in range should bypass
	req, _ := http.NewRequest("GET", "http://10.1.2.3:8080/api", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil (bypass) for 10.1.2.3, got %v", result)
	}
}

// TestProxyFuncWithBypass_NonMatchingHost verifies non-matching hosts route through proxy.
func TestProxyFuncWithBypass_NonMatchingHost(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "*.internal.corp,10.0.0.0/8", logging.Nop())

	// External host should use proxy
	req, _ := http.NewRequest("GET", "https://discord.com/api/v10/", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected proxy URL for discord.com, got nil (direct)")
	}
	if result.Host != "proxy.corp:8080" {
		t.Errorf("expected proxy host proxy.corp:8080, got %s", result.Host)
	}
}

// TestProxyFuncWithBypass_MultiplePatterns verifies comma-separated patterns work.
func TestProxyFuncWithBypass_MultiplePatterns(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "*.example.com, 192.168.0.0/16, internal.corp", logging.Nop())

	tests := []struct {
		name       string
		url        string
		wantBypass bool
	}{
		{"wildcard match", "https://api.example.com/data", true},
		{"cidr match", "http://192.168.1.100/api", true},
		{"exact domain match", "https://internal.corp/status", true},
		{"non-match", "https://discord.com/api/v10/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", tt.url, nil)
			result, err := proxyFunc(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantBypass && result != nil {
				t.Errorf("expected bypass (nil) for %s, got %v", tt.url, result)
			}
			if !tt.wantBypass && result == nil {
				t.Errorf("expected proxy for %s, got nil (bypass)", tt.url)
			}
		})
	}
}

// TestBuildProxyURL verifies the default port and that credentials need both user and password.
func TestBuildProxyURL(t *testing.T) {
	u := buildProxyURL(config.ProxyConfig{Host: "proxy.corp", User: "me"})
	if u.Host != "proxy.corp:8080" {
		t.Errorf("expected default port, got %s", u.Host)
	}
	if u.User != nil {
		t.Error("expected no credentials without a password")
	}

	u = buildProxyURL(config.ProxyConfig{Host: "proxy.corp", Port: 3128, User: "me", Password: "pw"})
	if u.String() != "http://me:pw@proxy.corp:3128" {
		t.Errorf("unexpected proxy URL %s", u)
	}
}

func TestNeedsProxyPassword(t *testing.T) {
	tests := []struct {
		proxy config.ProxyConfig
		want  bool
	}{
		{config.ProxyConfig{Mode: "no-proxy", User: "me"}, false},
		{config.ProxyConfig{Mode: "basic", User: "me"}, true},
		{config.ProxyConfig{Mode: "NTLM", User: "me"}, true},
		{config.ProxyConfig{Mode: "ntlm", User: "me", Password: "pw"}, false},
		{config.ProxyConfig{Mode: "basic"}, false},
	}
	for _, tt := range tests {
		if got := NeedsProxyPassword(tt.proxy); got != tt.want {
			t.Errorf("NeedsProxyPassword(%+v) = %v, want %v", tt.proxy, got, tt.want)
		}
	}
}

// TestConfigureHTTPClient_Modes verifies each proxy mode yields a client or an error.
func TestConfigureHTTPClient_Modes(t *testing.T) {
	if _, err := ConfigureHTTPClient(config.ProxyConfig{Mode: "socks"}, "", logging.Nop()); err == nil {
		t.Error("expected an error for an unsupported mode")
	}

	client, err := ConfigureHTTPClient(config.ProxyConfig{Mode: "ntlm", Host: "proxy.corp"}, "", logging.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := client.Transport.(*http.Transport); ok {
		t.Error("expected ntlm mode to wrap the transport")
	}

	// Missing host falls back to a direct transport
	client, err = ConfigureHTTPClient(config.ProxyConfig{Mode: "basic"}, "", logging.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr, ok := client.Transport.(*http.Transport)
	if !ok || tr.Proxy != nil {
		t.Error("expected a direct transport when the proxy host is missing")
	}
}
