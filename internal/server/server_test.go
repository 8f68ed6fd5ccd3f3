package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rescale/rest-dispatch/internal/dispatch"
	"github.com/rescale/rest-dispatch/internal/metrics"
	"github.com/rescale/rest-dispatch/internal/ratelimit"
)

// newTestProxy starts upstream and a proxy server dispatching to it.
func newTestProxy(t *testing.T, upstream http.Handler, configure func(*dispatch.Options)) (*httptest.Server, *dispatch.Dispatcher) {
	t.Helper()

	remote := httptest.NewServer(upstream)
	t.Cleanup(remote.Close)

	opts := dispatch.DefaultOptions()
	opts.BaseURL = remote.URL + "/api"
	opts.Client = remote.Client()
	opts.Timeout = time.Second
	opts.InvalidRequests = ratelimit.NewInvalidRequestCounter(time.Minute)
	if configure != nil {
		configure(&opts)
	}
	d, err := dispatch.New(opts)
	if err != nil {
		t.Fatalf("dispatch.New failed: %v", err)
	}
	d.SetToken("proxy-token")

	proxy := httptest.NewServer(New(d, opts.Version, metrics.New(d.Stats), nil).Handler())
	t.Cleanup(proxy.Close)
	return proxy, d
}

func doRequest(t *testing.T, method, url string, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

// TestProxy_ForwardsRequest verifies path, query, body and headers travel both ways.
func TestProxy_ForwardsRequest(t *testing.T) {
	upstream := http.NewServeMux()
	upstream.HandleFunc("POST /api/v10/channels/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bot proxy-token" {
			t.Errorf("unexpected Authorization %q", got)
		}
		if got := r.Header.Get("X-Audit-Log-Reason"); got != "tidy%20up" {
			t.Errorf("unexpected reason %q", got)
		}
		if got := r.URL.Query().Get("wait"); got != "true" {
			t.Errorf("unexpected query %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Bucket", "abcd")
		w.Header().Set("X-Internal", "secret")
		fmt.Fprintf(w, `{"id":"1","echo":%s}`, body)
	})
	proxy, _ := newTestProxy(t, upstream, nil)

	resp, body := doRequest(t, http.MethodPost, proxy.URL+"/api/v10/channels/222079895583457280/messages?wait=true",
		`{"content":"hi"}`, http.Header{"Content-Type": {"application/json"}, "X-Audit-Log-Reason": {"tidy%20up"}})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	if body != `{"id":"1","echo":{"content":"hi"}}` {
		t.Errorf("unexpected body %q", body)
	}
	if resp.Header.Get("X-RateLimit-Bucket") != "abcd" {
		t.Error("expected rate limit headers to be relayed")
	}
	if resp.Header.Get("X-Internal") != "" {
		t.Error("unexpected header relayed")
	}
}

// TestProxy_CallerAuthorization verifies caller credentials replace the proxy token.
func TestProxy_CallerAuthorization(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("unexpected Authorization %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	proxy, _ := newTestProxy(t, upstream, nil)

	resp, _ := doRequest(t, http.MethodGet, proxy.URL+"/api/v10/users/@me", "", http.Header{"Authorization": {"Bearer user-token"}})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// TestProxy_CallerUnauthorized verifies a caller's rejected token does not
// drop the proxy token used by everyone else.
func TestProxy_CallerUnauthorized(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot proxy-token" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"401: Unauthorized","code":0}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	proxy, d := newTestProxy(t, upstream, nil)

	resp, _ := doRequest(t, http.MethodGet, proxy.URL+"/api/v10/users/@me", "",
		http.Header{"Authorization": {"Bot someone-elses-token"}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for the caller token, got %d", resp.StatusCode)
	}
	if d.Token() != "proxy-token" {
		t.Errorf("expected proxy token to be kept, got %q", d.Token())
	}

	resp, body := doRequest(t, http.MethodGet, proxy.URL+"/api/v10/users/@me", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 with the proxy token, got %d: %s", resp.StatusCode, body)
	}
}

// TestProxy_APIError verifies remote errors are relayed with their status and body.
func TestProxy_APIError(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"Missing Permissions","code":50013}`)
	})
	proxy, _ := newTestProxy(t, upstream, nil)

	resp, body := doRequest(t, http.MethodGet, proxy.URL+"/api/v10/guilds/222078108977594368", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("unexpected status %d", resp.StatusCode)
	}
	if body != `{"message":"Missing Permissions","code":50013}` {
		t.Errorf("unexpected body %q", body)
	}
}

// TestProxy_RateLimitRejected verifies rejected waits become 429 with Retry-After.
func TestProxy_RateLimitRejected(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "1")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset-After", "2.5")
		w.WriteHeader(http.StatusNoContent)
	})
	proxy, _ := newTestProxy(t, upstream, func(o *dispatch.Options) {
		o.RejectOnRateLimit = ratelimit.RejectAll()
	})

	url := proxy.URL + "/api/v10/channels/222079895583457280/messages"
	if resp, _ := doRequest(t, http.MethodGet, url, "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected first status %d", resp.StatusCode)
	}

	resp, body := doRequest(t, http.MethodGet, url, "", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "3" {
		t.Errorf("expected Retry-After 3, got %q", got)
	}
	var decoded struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		t.Fatalf("invalid body %q: %v", body, err)
	}
	if decoded.RetryAfter <= 2 || decoded.Global {
		t.Errorf("unexpected body %+v", decoded)
	}
}

// TestProxy_TransportErrors verifies exhausted 5xx and timeouts map to 502 and 504.
func TestProxy_TransportErrors(t *testing.T) {
	upstream := http.NewServeMux()
	upstream.HandleFunc("/api/v10/outage", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	upstream.HandleFunc("/api/v10/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	proxy, _ := newTestProxy(t, upstream, func(o *dispatch.Options) {
		o.Retries = 0
		o.Timeout = 100 * time.Millisecond
	})

	if resp, _ := doRequest(t, http.MethodGet, proxy.URL+"/api/v10/outage", "", nil); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
	if resp, _ := doRequest(t, http.MethodGet, proxy.URL+"/api/v10/slow", "", nil); resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", resp.StatusCode)
	}
}

// TestProxy_WrongVersion verifies requests for another API version are refused.
func TestProxy_WrongVersion(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})
	proxy, _ := newTestProxy(t, upstream, nil)

	if resp, _ := doRequest(t, http.MethodGet, proxy.URL+"/api/v9/gateway", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if resp, _ := doRequest(t, http.MethodGet, proxy.URL+"/nothing", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

// TestHealthAndMetrics verifies the health and metrics endpoints.
func TestHealthAndMetrics(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	proxy, _ := newTestProxy(t, upstream, nil)

	resp, body := doRequest(t, http.MethodGet, proxy.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("unexpected health answer %d %q", resp.StatusCode, body)
	}

	doRequest(t, http.MethodGet, proxy.URL+"/api/v10/gateway", "", nil)

	resp, body = doRequest(t, http.MethodGet, proxy.URL+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", resp.StatusCode)
	}
	if !strings.Contains(body, "rest_dispatch_queues 1") {
		t.Errorf("expected queue gauge in metrics output:\n%s", body)
	}
}
