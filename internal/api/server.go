package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
	"github.com/JakeFAU/pagespeed-audit/internal/breaker"
	"github.com/JakeFAU/pagespeed-audit/internal/metrics"
	"github.com/JakeFAU/pagespeed-audit/internal/pool"
)

// Analyzer runs one analysis to completion.
type Analyzer interface {
	Analyze(ctx context.Context, rawURL string, opts audit.Options) (audit.Result, error)
}

// BreakerStatus exposes the circuit breaker for probes.
type BreakerStatus interface {
	Snapshot() breaker.Snapshot
	IsOpen() bool
}

// PoolStatus exposes the browser pool for probes.
type PoolStatus interface {
	Stats() pool.Stats
}

// ResultLookup returns previously persisted results.
type ResultLookup interface {
	Latest(ctx context.Context, url string) (audit.Result, error)
}

// Config controls server behavior.
type Config struct {
	AuthEnabled  bool
	APIKey       string
	ProbeTimeout time.Duration
}

// Server wires HTTP handlers to the analyzer.
type Server struct {
	router   chi.Router
	analyzer Analyzer
	breaker  BreakerStatus
	pool     PoolStatus
	results  ResultLookup
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. results may be
// nil when no result store is configured.
func NewServer(
	analyzer Analyzer,
	breakerStatus BreakerStatus,
	poolStatus PoolStatus,
	results ResultLookup,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	metrics.Init()
	s := &Server{
		analyzer: analyzer,
		breaker:  breakerStatus,
		pool:     poolStatus,
		results:  results,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(traceContextMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.ProbeTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// analyses may run for minutes; the request context bounds them
		r.Post("/analyze", s.analyze)
		r.Get("/results", s.latestResult)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Status  string           `json:"status"`
	Breaker breaker.Snapshot `json:"breaker"`
	Pool    pool.Stats       `json:"pool"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Breaker: s.breaker.Snapshot(),
		Pool:    s.pool.Stats(),
	})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.breaker.IsOpen() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not ready",
			"breaker": breaker.StateOpen.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type analyzeRequest struct {
	URL string `json:"url"`
	audit.Options
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.analyzer.Analyze(r.Context(), req.URL, req.Options)
	if err != nil {
		s.writeAnalysisError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) latestResult(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeError(w, http.StatusNotImplemented, "result store not configured")
		return
	}
	normalized, err := audit.NormalizeURL(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.results.Latest(r.Context(), normalized)
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no result for url")
		return
	}
	if err != nil {
		s.logger.Error("result lookup failed", zap.String("url", normalized), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "result lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) writeAnalysisError(w http.ResponseWriter, err error) {
	ae := audit.AsError(err)
	status := statusFor(ae)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("analysis failed", zap.String("kind", ae.Kind.String()), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{
		Error:  err.Error(),
		Kind:   ae.Kind.String(),
		Reason: string(ae.Reason),
	})
}

func statusFor(ae *audit.Error) int {
	switch ae.Kind {
	case audit.KindPermanent:
		switch ae.Reason {
		case audit.ReasonEngineUnavailable:
			return http.StatusServiceUnavailable
		case audit.ReasonCanceled:
			return http.StatusRequestTimeout
		default:
			return http.StatusUnprocessableEntity
		}
	case audit.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case audit.KindRetryable, audit.KindResource:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// traceContextMiddleware continues a caller's trace from W3C headers.
func traceContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
