// Package httpmw holds the HTTP middleware shared by the public gateway
// listener and the ops listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP resolution, OTEL tracing, metrics,
// request-scoped logger, access log, then the chi router whose routes apply
// the per-tier rate limit.
//
// The client IP resolved here is the default rate limit identifier, so
// forwarded headers are only honoured from private peers and only as many
// hops deep as configured. Query strings and user agents are not logged.
package httpmw
