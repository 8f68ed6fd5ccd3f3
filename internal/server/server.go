// Package server exposes a dispatcher as an HTTP proxy. Callers send plain
// API requests to /api/v{version}/...; the server queues them on the
// dispatcher and relays the answer, so any number of processes can share
// one set of rate limits.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/rescale/rest-dispatch/internal/constants"
	"github.com/rescale/rest-dispatch/internal/dispatch"
	"github.com/rescale/rest-dispatch/internal/logging"
	"github.com/rescale/rest-dispatch/internal/metrics"
)

// Headers copied from the remote answer to the caller.
var relayedHeaders = []string{
	"Content-Type",
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset-After",
	"X-RateLimit-Bucket",
	"X-RateLimit-Global",
	"Retry-After",
}

// Server routes proxy, health and metrics requests.
type Server struct {
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	logger     *logging.Logger
	version    string
	router     *mux.Router
}

// New creates a Server. m may be nil to disable /metrics.
func New(d *dispatch.Dispatcher, version string, m *metrics.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	if version == "" {
		version = constants.DefaultAPIVersion
	}

	s := &Server{
		dispatcher: d,
		metrics:    m,
		logger:     logger,
		version:    version,
		router:     mux.NewRouter(),
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	s.router.Use(s.logRequests)

	s.router.Methods(http.MethodGet).Path("/healthz").Name("health").HandlerFunc(s.health)
	if s.metrics != nil {
		s.router.Methods(http.MethodGet).Path("/metrics").Name("metrics").Handler(s.metrics.Handler())
	}
	s.router.PathPrefix("/api/v{version:[0-9]+}/").Name("proxy").HandlerFunc(s.proxy)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "404: Not Found")
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: constants.ServerReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Proxy server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown proxy server: %w", err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats := s.dispatcher.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"queues":         stats.Queues,
		"pending":        stats.Pending,
		"global_limited": stats.GlobalLimited,
	})
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	if v := mux.Vars(r)["version"]; v != s.version {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("unsupported API version %s, this proxy serves v%s", v, s.version))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, constants.ServerMaxRequestBodySize))
	if err != nil {
		writeMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	req := &dispatch.Request{
		Method:  r.Method,
		Path:    "/" + strings.TrimPrefix(r.URL.Path, "/api/v"+s.version+"/"),
		Query:   r.URL.Query(),
		Headers: http.Header{},
	}
	if len(body) > 0 {
		req.RawBody = body
		req.ContentType = r.Header.Get("Content-Type")
	}
	if reason := r.Header.Get("X-Audit-Log-Reason"); reason != "" {
		req.Headers.Set("X-Audit-Log-Reason", reason)
	}
	// A caller presenting its own credentials is passed through untouched
	if auth := r.Header.Get("Authorization"); auth != "" {
		req.SkipAuth = true
		req.Headers.Set("Authorization", auth)
	}

	res, err := s.dispatcher.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	for _, h := range relayedHeaders {
		if v := res.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// writeError maps dispatcher errors onto HTTP answers.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		apiErr       *dispatch.APIError
		rateErr      *dispatch.RateLimitError
		transportErr *dispatch.TransportError
	)

	switch {
	case errors.As(err, &apiErr):
		if len(apiErr.Raw) > 0 && json.Valid(apiErr.Raw) {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(apiErr.Status)
		_, _ = w.Write(apiErr.Raw)

	case errors.As(err, &rateErr):
		retryAfter := rateErr.TimeToReset.Seconds()
		w.Header().Set("Retry-After", fmt.Sprint(int(math.Ceil(max(retryAfter, 0)))))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"message":     rateErr.Error(),
			"retry_after": retryAfter,
			"global":      rateErr.Global,
		})

	case errors.As(err, &transportErr):
		status := http.StatusBadGateway
		if errors.Is(err, dispatch.ErrAborted) {
			status = http.StatusGatewayTimeout
		}
		writeMessage(w, status, err.Error())

	case errors.Is(err, dispatch.ErrMissingToken):
		writeMessage(w, http.StatusUnauthorized, err.Error())

	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// The caller is gone; nothing to answer

	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Proxy request failed")
		writeMessage(w, http.StatusInternalServerError, err.Error())
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		name := ""
		if route := mux.CurrentRoute(r); route != nil {
			name = route.GetName()
		}
		s.logger.Debug().
			Str("route", name).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("Served")
	})
}
