package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/letitrip/edgeguard/internal/health"
)

type Options struct {
	// Port defaults to 9000
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// AdminRoutes registers the private limiter surface: the decision and
	// quota lookup endpoints plus administration (resets, manual sweep)
	AdminRoutes func(chi.Router)

	UseRecoverMW bool
	OnPanic      func()
}
