package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// TestAsyncQueue checks turns are handed out in order and cancelled waiters are skipped.
func TestAsyncQueue(t *testing.T) {
	q := newAsyncQueue()
	a, b, c := q.wait(), q.wait(), q.wait()

	if !isClosed(a) || isClosed(b) || isClosed(c) {
		t.Fatal("only the first waiter should hold the turn")
	}
	if q.remaining() != 3 {
		t.Errorf("expected 3 remaining, got %d", q.remaining())
	}

	q.cancel(b)
	if isClosed(b) {
		t.Error("cancelled waiter must not get the turn")
	}

	q.shift()
	if !isClosed(c) {
		t.Error("expected c to hold the turn after a")
	}

	q.cancel(c)
	if q.remaining() != 0 {
		t.Errorf("expected empty queue, got %d", q.remaining())
	}
	q.shift()

	if d := q.wait(); !isClosed(d) {
		t.Error("waiting on an empty queue should return immediately")
	}
}

// TestHasSublimit checks which requests may touch an active sublimit.
func TestHasSublimit(t *testing.T) {
	tests := []struct {
		name   string
		route  string
		method string
		body   string
		want   bool
	}{
		{"other route", "/channels/:id/messages", http.MethodPost, `{"content":"x"}`, true},
		{"rename", channelRoute, http.MethodPatch, `{"name":"general"}`, true},
		{"topic", channelRoute, http.MethodPatch, `{"topic":"news"}`, true},
		{"other field", channelRoute, http.MethodPatch, `{"nsfw":true}`, false},
		{"get channel", channelRoute, http.MethodGet, "", false},
		{"delete channel", channelRoute, http.MethodDelete, `{"name":"x"}`, false},
		{"not an object", channelRoute, http.MethodPatch, `["name"]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body []byte
			if tt.body != "" {
				body = []byte(tt.body)
			}
			if got := hasSublimit(tt.route, body, tt.method); got != tt.want {
				t.Errorf("hasSublimit = %t, want %t", got, tt.want)
			}
		})
	}
}

// TestSubmit_ContextCanceledInQueue checks a caller giving up leaves the queue without blocking others.
func TestSubmit_ContextCanceledInQueue(t *testing.T) {
	release := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v10/busy", func(w http.ResponseWriter, r *http.Request) {
		blocked := false
		once.Do(func() { blocked = true })
		if blocked {
			close(first)
			<-release
		}
		w.WriteHeader(http.StatusNoContent)
	})
	d := newTestDispatcher(t, mux, nil)

	done := make(chan error, 1)
	go func() {
		_, err := get(t, d, "/busy")
		done <- err
	}()
	<-first

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := d.Submit(ctx, &Request{Path: "/busy"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := get(t, d, "/busy"); err != nil {
		t.Fatalf("request after cancellation failed: %v", err)
	}
}

// TestSweepInactive_KeepsLimitedQueues checks queues with an active limit survive a sweep.
func TestSweepInactive_KeepsLimitedQueues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v10/limited", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "1")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset-After", "60")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v10/free", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	d := newTestDispatcher(t, mux, nil)

	for _, path := range []string{"/limited", "/free"} {
		if _, err := get(t, d, path); err != nil {
			t.Fatalf("%s failed: %v", path, err)
		}
	}

	if swept := d.SweepInactive(); swept != 1 {
		t.Errorf("expected 1 queue swept, got %d", swept)
	}
	if got := d.Stats().Queues; got != 1 {
		t.Errorf("expected the limited queue to remain, got %d queues", got)
	}
}

// TestSweepHashes checks hash mappings expire after their lifetime.
func TestSweepHashes(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Bucket", "hash-"+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	d := newTestDispatcher(t, mux, func(o *Options) { o.Now = clock })

	if _, err := get(t, d, "/old"); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	if _, err := get(t, d, "/recent"); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if swept := d.SweepHashes(time.Hour); swept != 1 {
		t.Errorf("expected 1 hash swept, got %d", swept)
	}
	if got := d.Stats().Hashes; got != 1 {
		t.Errorf("expected 1 hash left, got %d", got)
	}
}

// TestStartSweepers checks the background sweep drops idle queues.
func TestStartSweepers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	d := newTestDispatcher(t, mux, func(o *Options) {
		o.HandlerSweepInterval = 20 * time.Millisecond
		o.HashLifetime = 0
	})

	if _, err := get(t, d, "/gateway"); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.StartSweepers(ctx)

	deadline := time.After(time.Second)
	for d.Stats().Queues != 0 {
		select {
		case <-deadline:
			t.Fatal("queue was not swept")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
