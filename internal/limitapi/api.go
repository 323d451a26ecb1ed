// Package limitapi exposes the tier limiters over HTTP.
//
// The public listener only gets the tier listing. The decision endpoint and
// the quota lookup share state with the gateway, whose keys are client IPs,
// so they are mounted on the ops listener next to the admin resets. Only
// internal route handlers can reach them there.
package limitapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/letitrip/edgeguard/internal/httpmw"
	"github.com/letitrip/edgeguard/internal/log"
	"github.com/letitrip/edgeguard/internal/ratelimit"
	"github.com/letitrip/edgeguard/internal/xerrors"
)

// maxCheckBody caps the check request, an identifier is an IP, a user id
// or an API key.
const maxCheckBody = 4 << 10

type Options struct {
	Registry *ratelimit.Registry
	// Sweeper backs POST /admin/limits/sweep, nil disables it.
	Sweeper *ratelimit.Sweeper
	// Now defaults to time.Now. Only used for Retry-After.
	Now func() time.Time
}

// API implements the public and admin route registrars.
type API struct {
	registry *ratelimit.Registry
	sweeper  *ratelimit.Sweeper
	now      func() time.Time
}

func New(opts Options) (*API, error) {
	if opts.Registry == nil {
		return nil, xerrors.New("limitapi: registry is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &API{registry: opts.Registry, sweeper: opts.Sweeper, now: now}, nil
}

// RegisterRoutes attaches the read-only tier listing to the public router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("limitapi.list")).Get("/v1/limits", a.handleList)
}

// RegisterInternalRoutes attaches the decision and quota lookup routes. They
// can consume or reveal any identifier's quota, including the client IPs the
// gateway keys on, so mount them only on the ops listener.
func (a *API) RegisterInternalRoutes(r chi.Router) {
	r.With(httpmw.Scope("limitapi.check"), httpmw.MaxBody(maxCheckBody)).Post("/v1/limits/{tier}/check", a.handleCheck)
	r.With(httpmw.Scope("limitapi.status")).Get("/v1/limits/{tier}/keys/{identifier}", a.handleStatus)
}

// RegisterAdminRoutes attaches the mutating routes. Mount them only on the
// ops listener.
func (a *API) RegisterAdminRoutes(r chi.Router) {
	r.Route("/admin/limits", func(r chi.Router) {
		r.Delete("/{tier}/keys/{identifier}", a.handleResetKey)
		r.Delete("/{tier}", a.handleResetTier)
		if a.sweeper != nil {
			r.Post("/sweep", a.handleSweep)
		}
	})
}

type checkRequest struct {
	Identifier *string `json:"identifier"`
}

// DecisionResponse is the body of the check endpoint.
type DecisionResponse struct {
	Tier              ratelimit.Tier `json:"tier"`
	Allowed           bool           `json:"allowed"`
	Limit             int            `json:"limit"`
	Remaining         int            `json:"remaining"`
	ResetAtMs         int64          `json:"reset_at_ms"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
}

// StatusResponse is the body of the read-only quota lookup.
type StatusResponse struct {
	Tier       ratelimit.Tier `json:"tier"`
	Identifier string         `json:"identifier"`
	Limit      int            `json:"limit"`
	Remaining  int            `json:"remaining"`
	ResetAtMs  int64          `json:"reset_at_ms"`
}

type tierSummary struct {
	Tier          ratelimit.Tier `json:"tier"`
	MaxRequests   int            `json:"max_requests"`
	Window        string         `json:"window"`
	WindowSeconds float64        `json:"window_seconds"`
	Entries       int            `json:"entries"`
}

type listResponse struct {
	Tiers []tierSummary `json:"tiers"`
}

type sweepResponse struct {
	Removed map[ratelimit.Tier]int `json:"removed"`
	Total   int                    `json:"total"`
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	out := listResponse{Tiers: make([]tierSummary, 0, 3)}
	for _, t := range a.registry.Tiers() {
		l := a.registry.MustGet(t)
		out.Tiers = append(out.Tiers, tierSummary{
			Tier:          t,
			MaxRequests:   l.Limit(),
			Window:        l.Window().String(),
			WindowSeconds: l.Window().Seconds(),
			Entries:       l.Len(),
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	t, l, ok := a.limiter(w, r)
	if !ok {
		return
	}

	var req checkRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identifier == nil {
		writeError(w, r, http.StatusBadRequest, "identifier is required")
		return
	}

	d := l.Allow(*req.Identifier)
	ratelimit.SetHeaders(w.Header(), d)
	resp := DecisionResponse{
		Tier:      t,
		Allowed:   d.Allowed,
		Limit:     d.Limit,
		Remaining: d.Remaining,
		ResetAtMs: d.ResetAt.UnixMilli(),
	}
	status := http.StatusOK
	if !d.Allowed {
		resp.RetryAfterSeconds = ratelimit.RetryAfter(d.ResetAt, a.now())
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
		status = http.StatusTooManyRequests
	}
	writeJSON(w, r, status, resp)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, l, ok := a.limiter(w, r)
	if !ok {
		return
	}
	id, ok := identifierParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, StatusResponse{
		Tier:       t,
		Identifier: id,
		Limit:      l.Limit(),
		Remaining:  l.Remaining(id),
		ResetAtMs:  l.ResetTime(id).UnixMilli(),
	})
}

func (a *API) handleResetKey(w http.ResponseWriter, r *http.Request) {
	t, l, ok := a.limiter(w, r)
	if !ok {
		return
	}
	id, ok := identifierParam(w, r)
	if !ok {
		return
	}
	l.Reset(id)
	log.FromContext(r.Context()).Info(r.Context(), "rate limit identifier reset", "tier", t, "identifier", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetTier(w http.ResponseWriter, r *http.Request) {
	t, l, ok := a.limiter(w, r)
	if !ok {
		return
	}
	n := l.Len()
	l.ResetAll()
	log.FromContext(r.Context()).Warn(r.Context(), "rate limit tier reset", "tier", t, "dropped", n)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed := a.sweeper.SweepOnce(r.Context())
	total := 0
	for _, n := range removed {
		total += n
	}
	writeJSON(w, r, http.StatusOK, sweepResponse{Removed: removed, Total: total})
}

// limiter resolves {tier}, writing 404 when it is unknown.
func (a *API) limiter(w http.ResponseWriter, r *http.Request) (ratelimit.Tier, *ratelimit.Limiter, bool) {
	t, err := ratelimit.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "unknown tier")
		return "", nil, false
	}
	l, ok := a.registry.Get(t)
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown tier")
		return "", nil, false
	}
	return t, l, true
}

// identifierParam returns the unescaped {identifier}. chi matches on RawPath
// when the request had escapes net/url would not reproduce, "a%2Fb" for one.
func identifierParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "identifier")
	if r.URL.RawPath == "" {
		return raw, true
	}
	id, err := url.PathUnescape(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid identifier")
		return "", false
	}
	return id, true
}

func decodeStrict(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(err, "decode request body")
	}
	// More() is false before a stray '}' or ']', a second Decode is not
	err := dec.Decode(&struct{}{})
	if errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return xerrors.Wrap(err, "decode request body")
	}
	return xerrors.New("trailing data after request body")
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(r.Context()).Warn(r.Context(), "write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}
