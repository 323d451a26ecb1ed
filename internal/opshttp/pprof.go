package opshttp

import (
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
)

// RegisterPprof mounts net/http/pprof under /debug/pprof. pprof.Index serves
// the named profiles (heap, goroutine, ...) from the wildcard route.
func RegisterPprof(r chi.Router) {
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.HandleFunc("/debug/pprof/*", pprof.Index)
}
