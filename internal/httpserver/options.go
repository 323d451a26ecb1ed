package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/letitrip/edgeguard/internal/health"
	"github.com/letitrip/edgeguard/internal/httpmw"
	"github.com/letitrip/edgeguard/internal/log"
)

type Options struct {
	Logger log.Logger
	// Port defaults to 8080
	Port int

	// APIRoutes registers the decision API. Its routes are JSON-compressed
	// and take precedence over Gateway.
	APIRoutes func(chi.Router)

	// Gateway serves every path the API does not claim. nil answers 404.
	Gateway http.Handler

	ClientIPOpts httpmw.ClientIPOptions
	MetricsMW    func(http.Handler) http.Handler

	UseRecoverMW bool
	OnPanic      func()

	// nil probes leave the route unregistered on the public listener
	Health    health.Probe
	Readiness health.Probe
}
