package httpmw

import (
	"cmp"
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Response headers carrying the request's trace context. Clients quote them
// when disputing a 429 so the decision can be found in traces and logs.
const (
	DefaultTraceHeader = "X-Trace-Id"
	DefaultSpanHeader  = "X-Span-Id"
)

// TraceIDs returns the hex trace and span ids carried by ctx. ok is false when
// tracing is off for the request.
func TraceIDs(ctx context.Context) (traceID, spanID string, ok bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), true
}

// TraceResponseHeaders sets the trace headers before next runs, so they are
// present on limiter rejections and on proxied upstream responses alike.
// Empty names fall back to the defaults.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	traceHeader = cmp.Or(traceHeader, DefaultTraceHeader)
	spanHeader = cmp.Or(spanHeader, DefaultSpanHeader)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tid, sid, ok := TraceIDs(r.Context()); ok {
				h := w.Header()
				h.Set(traceHeader, tid)
				h.Set(spanHeader, sid)
			}
			next.ServeHTTP(w, r)
		})
	}
}
