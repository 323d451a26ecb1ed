package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUpstreamWaitTimeout bounds how long a request queues for an upstream token.
const DefaultUpstreamWaitTimeout = 2 * time.Second

// ErrUpstreamBusy is returned by throttledTransport when no token became
// available before the wait timeout.
var ErrUpstreamBusy = errors.New("upstream capacity exhausted")

// throttledTransport smooths the aggregate request rate toward the upstream
// with a token bucket. It is independent of per-identifier quotas: those
// decide who may call, this decides how fast all admitted calls leave.
type throttledTransport struct {
	next        http.RoundTripper
	limiter     *rate.Limiter
	waitTimeout time.Duration
}

func newThrottledTransport(next http.RoundTripper, rps float64, burst int, wait time.Duration) *throttledTransport {
	if burst < 1 {
		burst = 1
	}
	if wait <= 0 {
		wait = DefaultUpstreamWaitTimeout
	}
	return &throttledTransport{
		next:        next,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		waitTimeout: wait,
	}
}

func (t *throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), t.waitTimeout)
	defer cancel()

	if err := t.limiter.Wait(ctx); err != nil {
		if r.Body != nil {
			_ = r.Body.Close()
		}
		// client gone, report that rather than busy
		if r.Context().Err() != nil {
			return nil, r.Context().Err()
		}
		return nil, ErrUpstreamBusy
	}
	return t.next.RoundTrip(r)
}
