// Package ratelimit provides fixed-window request rate limiting keyed by an
// opaque caller identifier, a registry of per-tier limiters, a background
// sweeper that evicts expired windows, and HTTP middleware.
//
// State is in-memory and private to one process. Nothing is shared between
// instances or persisted across restarts, so when the service runs as N
// replicas the effective limit per identifier is MaxRequests*N. Upstream
// WAF/CDN rate limiting is still needed for distributed abuse.
//
// The algorithm is a fixed window, not a sliding window or token bucket: a
// caller can be admitted up to 2*MaxRequests times in a short span that
// straddles a window boundary.
package ratelimit
