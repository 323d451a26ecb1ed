package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"

	"github.com/letitrip/edgeguard/internal/httpmw"
)

func newRouter(m *ServerMetrics) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/limits/{tier}/check", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"allowed":false}`))
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	return m.Middleware(r)
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New()
	h := newRouter(m)

	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/limits/auth/check", nil)
		req.Header.Set("X-Id", id)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("POST", "/v1/limits/{tier}/check", "429")); got != 2 {
		t.Fatalf("429 count = %v", got)
	}
}

func TestMiddleware_ProxiedPathsShareOneLabel(t *testing.T) {
	m := New()
	h := newRouter(m)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/listings/1", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/listings/2", nil))

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "/*", "200")); got != 2 {
		t.Fatalf("proxied count = %v", got)
	}
}

func TestMiddleware_CountsServerErrors(t *testing.T) {
	m := New()
	newRouter(m).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("GET", "/boom")); got != 1 {
		t.Fatalf("errors = %v", got)
	}
}

func TestMiddleware_NoRouter(t *testing.T) {
	m := New()
	m.Middleware(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", httpmw.UnmatchedRoute, "404")); got != 1 {
		t.Fatalf("unmatched = %v", got)
	}
}

func TestMiddleware_InflightReturnsToZero(t *testing.T) {
	m := New()
	var during float64
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(m.inflight)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if during != 1 || testutil.ToFloat64(m.inflight) != 0 {
		t.Fatalf("inflight during=%v after=%v", during, testutil.ToFloat64(m.inflight))
	}
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	sw.WriteHeader(http.StatusTooManyRequests)
	sw.WriteHeader(http.StatusOK)
	_, _ = sw.Write([]byte("abcd"))
	if sw.status != http.StatusTooManyRequests || sw.n != 4 {
		t.Fatalf("status=%d n=%d", sw.status, sw.n)
	}
	if sw.Unwrap() != rec {
		t.Fatal("Unwrap")
	}
}

func TestTraceExemplar(t *testing.T) {
	if traceExemplar(context.Background()) != nil {
		t.Fatal("exemplar without span")
	}
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))
	ex := traceExemplar(ctx)
	if ex["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("exemplar = %v", ex)
	}
}
