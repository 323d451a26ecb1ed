package httpmw

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UnmatchedRoute labels requests no chi route matched. Raw paths are never
// used as labels since the gateway forwards arbitrary upstream paths.
const UnmatchedRoute = "unmatched"

// RoutePattern returns the chi route pattern for r, or UnmatchedRoute.
// Only meaningful after the router has run.
func RoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return UnmatchedRoute
}

// WithRouteContext installs an empty chi route context when r has none, so
// middleware running outside the router can read the matched pattern after
// the router returns. chi reuses an existing route context instead of
// allocating its own.
func WithRouteContext(r *http.Request) *http.Request {
	if chi.RouteContext(r.Context()) != nil {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
}

// AnnotateHTTPRoute renames the server span to "METHOD pattern" and sets
// http.route once routing is done.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = WithRouteContext(r)
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		route := RoutePattern(r)
		span.SetAttributes(attribute.String("http.route", route))
		span.SetName(r.Method + " " + route)
	})
}
