// Package gateway is a rate-limited reverse proxy in front of the marketplace
// API. Each request is assigned a tier by path prefix, admitted through that
// tier's limiter, and forwarded upstream.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/letitrip/edgeguard/internal/log"
	"github.com/letitrip/edgeguard/internal/pathutil"
	"github.com/letitrip/edgeguard/internal/ratelimit"
	"github.com/letitrip/edgeguard/internal/xerrors"
)

type Options struct {
	Upstream *url.URL
	Registry *ratelimit.Registry
	Routes   []RouteTier

	// Key defaults to ratelimit.KeyByClientIP
	Key    ratelimit.KeyFunc
	Exempt *ratelimit.ExemptNetworks

	// UpstreamRPS > 0 enables aggregate smoothing toward the upstream
	UpstreamRPS         float64
	UpstreamBurst       int
	UpstreamWaitTimeout time.Duration

	// Transport defaults to http.DefaultTransport
	Transport http.RoundTripper

	// OnUpstreamError is called with "busy", "canceled" or "unreachable"
	OnUpstreamError func(kind string)
}

// Gateway is an http.Handler, see New.
type Gateway struct {
	routes   []RouteTier
	byTier   map[ratelimit.Tier]http.Handler
	upstream *url.URL
}

// New builds the proxy. Per-tier middleware is assembled once here.
func New(opts Options) (*Gateway, error) {
	if opts.Upstream == nil || opts.Upstream.Host == "" {
		return nil, xerrors.New("gateway: upstream url is required")
	}
	if opts.Registry == nil {
		return nil, xerrors.New("gateway: registry is required")
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.UpstreamRPS > 0 {
		transport = newThrottledTransport(transport, opts.UpstreamRPS, opts.UpstreamBurst, opts.UpstreamWaitTimeout)
	}

	proxy := httputil.NewSingleHostReverseProxy(opts.Upstream)
	proxy.Transport = transport
	proxy.ErrorHandler = errorHandler(opts.OnUpstreamError)

	g := &Gateway{
		routes:   opts.Routes,
		byTier:   make(map[ratelimit.Tier]http.Handler),
		upstream: opts.Upstream,
	}
	for _, tier := range opts.Registry.Tiers() {
		l := opts.Registry.MustGet(tier)
		mw := ratelimit.Middleware(l, ratelimit.MiddlewareOptions{Key: opts.Key, Exempt: opts.Exempt})
		g.byTier[tier] = mw(proxy)
	}
	return g, nil
}

// TierFor returns the tier a request path is limited under. Repeated slashes
// are collapsed first so "//api/auth" is still the auth tier.
func (g *Gateway) TierFor(path string) ratelimit.Tier {
	return MatchTier(g.routes, pathutil.CollapseSlashes(path))
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// the upstream would resolve dot segments after we picked a tier
	if pathutil.HasDotSegments(r.URL.Path) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid path"}`))
		return
	}
	tier := g.TierFor(r.URL.Path)
	h, ok := g.byTier[tier]
	if !ok {
		h = g.byTier[ratelimit.TierGeneral]
	}
	h.ServeHTTP(w, r)
}

func errorHandler(onErr func(string)) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		ctx := r.Context()
		L := log.FromContext(ctx)

		kind, status, body := "unreachable", http.StatusBadGateway, `{"error":"bad gateway"}`
		switch {
		case errors.Is(err, ErrUpstreamBusy):
			kind, status, body = "busy", http.StatusServiceUnavailable, `{"error":"upstream busy"}`
			w.Header().Set("Retry-After", "1")
		case errors.Is(err, context.Canceled):
			// client went away, nobody reads the response
			kind, status = "canceled", 499
		}
		if onErr != nil {
			onErr(kind)
		}

		if kind == "unreachable" {
			L.Error(ctx, xerrors.Wrap(err, "proxy to upstream"), "upstream request failed", "upstream_error", kind)
		} else {
			L.Debug(ctx, "upstream request not sent", "upstream_error", kind, "reason", err.Error())
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}
