package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/letitrip/edgeguard/internal/httpmw"
)

// KeyFunc derives the limiter identifier for a request.
type KeyFunc func(r *http.Request) string

// KeyByClientIP keys on the client IP resolved by httpmw.ClientIP, which has
// already applied the trusted-hops policy to X-Forwarded-For.
func KeyByClientIP(r *http.Request) string {
	return httpmw.ClientIPFromContext(r.Context())
}

// KeyByHeader keys on the named header (an API key or session id set by an
// upstream authenticator) when the client IP is inside trusted. Anyone else
// could mint a fresh bucket per request by rotating the value, so they are
// keyed on their IP and the header is ignored. A nil or empty trusted set
// never honours the header.
func KeyByHeader(name string, trusted *ExemptNetworks) KeyFunc {
	return func(r *http.Request) string {
		ip := KeyByClientIP(r)
		if !trusted.Contains(ip) {
			return ip
		}
		if v := r.Header.Get(name); v != "" {
			return v
		}
		return ip
	}
}

// KeyComposite joins prefix and the output of each fn with ":".
// KeyComposite("login", KeyByClientIP) yields "login:203.0.113.7".
func KeyComposite(prefix string, fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		parts := make([]string, 0, len(fns)+1)
		if prefix != "" {
			parts = append(parts, prefix)
		}
		for _, fn := range fns {
			parts = append(parts, fn(r))
		}
		return strings.Join(parts, ":")
	}
}

// MiddlewareOptions tunes Middleware.
type MiddlewareOptions struct {
	// Key defaults to KeyByClientIP.
	Key KeyFunc
	// Exempt clients skip the limiter entirely and get no rate limit headers.
	Exempt *ExemptNetworks
}

// Middleware returns middleware that admits each request through l exactly once
// and rejects with 429 when the identifier is over quota.
func Middleware(l *Limiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	key := opts.Key
	if key == nil {
		key = KeyByClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Exempt.Contains(httpmw.ClientIPFromContext(r.Context())) {
				next.ServeHTTP(w, r)
				return
			}

			d := l.Allow(key(r))
			SetHeaders(w.Header(), d)

			if !d.Allowed {
				WriteTooManyRequests(w, d, l.now())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset (unix seconds) for d.
func SetHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// RetryAfter returns whole seconds until resetAt, rounded up, never below 1.
func RetryAfter(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(1, secs)
}

// WriteTooManyRequests sends the 429 response for a denied decision.
func WriteTooManyRequests(w http.ResponseWriter, d Decision, now time.Time) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfter(d.ResetAt, now)))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests"}`))
}
