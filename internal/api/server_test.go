package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
	"github.com/JakeFAU/pagespeed-audit/internal/breaker"
	"github.com/JakeFAU/pagespeed-audit/internal/pool"
)

func TestServer_Analyze_Succeeds(t *testing.T) {
	t.Parallel()

	analyzer := &fakeAnalyzer{res: audit.Result{
		URL:          "https://example.com/",
		MobileScore:  audit.Score(73),
		DesktopScore: audit.Score(98),
		FetchedAt:    time.Unix(100, 0).UTC(),
		Provenance:   audit.ProvenanceLive,
	}}
	server := newTestServer(analyzer, nil, Config{})

	body := []byte(`{"url":"example.com","skip_cache":true,"max_retries":2,"base_timeout_seconds":120}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got audit.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 73, *got.MobileScore)
	require.Equal(t, audit.ProvenanceLive, got.Provenance)

	calls := analyzer.seen()
	require.Len(t, calls, 1)
	require.Equal(t, "example.com", calls[0].url)
	require.Equal(t, audit.Options{SkipCache: true, MaxRetries: 2, BaseTimeoutSeconds: 120}, calls[0].opts)
}

func TestServer_Analyze_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", "{invalid", "invalid JSON"},
		{"missing url", `{"skip_cache":true}`, "url required"},
		{"negative retries", `{"url":"example.com","max_retries":-1}`, "max_retries"},
		{"negative timeout", `{"url":"example.com","base_timeout_seconds":-5}`, "base_timeout_seconds"},
		{"timeout beyond a day", `{"url":"example.com","base_timeout_seconds":9223372036}`, "base_timeout_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			analyzer := &fakeAnalyzer{}
			server := newTestServer(analyzer, nil, Config{})
			req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
			require.Empty(t, analyzer.seen())
		})
	}
}

func TestServer_Analyze_ErrorStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid url", audit.Permanent(audit.ReasonInvalidURL, errors.New("no host")), http.StatusUnprocessableEntity, "permanent"},
		{"engine unavailable", audit.Permanent(audit.ReasonEngineUnavailable, audit.ErrEngineUnavailable), http.StatusServiceUnavailable, "permanent"},
		{"canceled", audit.Permanent(audit.ReasonCanceled, context.Canceled), http.StatusRequestTimeout, "permanent"},
		{"circuit open", audit.CircuitOpen("https://example.com/"), http.StatusServiceUnavailable, "circuit_open"},
		{"timeouts exhausted", audit.Retryable(audit.ReasonTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout, "retryable"},
		{"memory", audit.Resource(audit.ReasonMemoryExceeded, errors.New("2GiB")), http.StatusGatewayTimeout, "resource"},
		{"unclassified", errors.New("socket closed"), http.StatusGatewayTimeout, "retryable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(&fakeAnalyzer{err: tt.err}, nil, Config{})
			req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewBufferString(`{"url":"example.com"}`))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tt.kind, body.Kind)
			require.NotEmpty(t, body.Error)
		})
	}
}

func TestServer_Healthz_ReportsBreakerAndPool(t *testing.T) {
	t.Parallel()

	server := NewServer(
		&fakeAnalyzer{},
		&fakeBreaker{snap: breaker.Snapshot{State: "half-open", Failures: 5}},
		&fakePool{stats: pool.Stats{Idle: 1, Busy: 1, Live: 2, Max: 2, ColdStarts: 3}},
		nil,
		Config{},
		zap.NewNop(),
	)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "half-open", got.Breaker.State)
	require.Equal(t, 5, got.Breaker.Failures)
	require.Equal(t, 2, got.Pool.Live)
	require.Equal(t, int64(3), got.Pool.ColdStarts)
}

func TestServer_Readyz_FollowsBreaker(t *testing.T) {
	t.Parallel()

	br := &fakeBreaker{}
	server := NewServer(&fakeAnalyzer{}, br, &fakePool{}, nil, Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	br.open = true
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "open")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAnalyzer{}, nil, Config{})
	// generate at least one observation
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_LatestResult(t *testing.T) {
	t.Parallel()

	results := &fakeResults{byURL: map[string]audit.Result{
		"https://example.com/": {URL: "https://example.com/", MobileScore: audit.Score(40), Provenance: audit.ProvenanceLive},
	}}
	server := newTestServer(&fakeAnalyzer{}, results, Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/results?url=https://example.com/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"mobile_score":40`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/results?url=https://other.example/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/results", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_LatestResult_NoStore(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAnalyzer{}, nil, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/results?url=example.com", nil))
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAnalyzer{}, nil, Config{AuthEnabled: true, APIKey: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewBufferString(`{"url":"example.com"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewBufferString(`{"url":"example.com"}`))
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// probes stay open for the orchestrator
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer(&fakeAnalyzer{}, nil, Config{}).Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	newTestServer(&fakeAnalyzer{}, nil, Config{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestTraceContextMiddlewareContinuesTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var got trace.SpanContext
	handler := traceContextMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = trace.SpanContextFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, got.IsRemote())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got.TraceID().String())
	require.Equal(t, "00f067aa0ba902b7", got.SpanID().String())
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type analyzeCall struct {
	url  string
	opts audit.Options
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []analyzeCall
	res   audit.Result
	err   error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, rawURL string, opts audit.Options) (audit.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, analyzeCall{url: rawURL, opts: opts})
	if f.err != nil {
		return audit.Result{}, f.err
	}
	return f.res, nil
}

func (f *fakeAnalyzer) seen() []analyzeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]analyzeCall(nil), f.calls...)
}

type fakeBreaker struct {
	snap breaker.Snapshot
	open bool
}

func (f *fakeBreaker) Snapshot() breaker.Snapshot { return f.snap }
func (f *fakeBreaker) IsOpen() bool               { return f.open }

type fakePool struct {
	stats pool.Stats
}

func (f *fakePool) Stats() pool.Stats { return f.stats }

type fakeResults struct {
	byURL map[string]audit.Result
}

func (f *fakeResults) Latest(_ context.Context, url string) (audit.Result, error) {
	res, ok := f.byURL[url]
	if !ok {
		return audit.Result{}, audit.ErrNotFound
	}
	return res, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(analyzer Analyzer, results ResultLookup, cfg Config) *Server {
	return NewServer(analyzer, &fakeBreaker{snap: breaker.Snapshot{State: "closed"}}, &fakePool{}, results, cfg, zap.NewNop())
}
