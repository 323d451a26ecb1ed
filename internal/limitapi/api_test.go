package limitapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letitrip/edgeguard/internal/ratelimit"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	clk      *fakeClock
	registry *ratelimit.Registry
	public   http.Handler
	internal http.Handler
	admin    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfgs := ratelimit.TierConfigs{
		General: ratelimit.Config{MaxRequests: 100, Window: time.Minute},
		Auth:    ratelimit.Config{MaxRequests: 2, Window: time.Minute},
		Strict:  ratelimit.Config{MaxRequests: 10, Window: time.Minute},
	}
	reg := ratelimit.NewRegistry(cfgs, []ratelimit.Option{ratelimit.WithClock(clk.Now)}, nil)
	sw := ratelimit.NewSweeper(ratelimit.SweeperOptions{Registry: reg})

	api, err := New(Options{Registry: reg, Sweeper: sw, Now: clk.Now})
	require.NoError(t, err)

	pub := chi.NewRouter()
	api.RegisterRoutes(pub)
	in := chi.NewRouter()
	api.RegisterInternalRoutes(in)
	adm := chi.NewRouter()
	api.RegisterAdminRoutes(adm)
	return &fixture{clk: clk, registry: reg, public: pub, internal: in, admin: adm}
}

func (f *fixture) do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestCheck_AdmitsThenDenies(t *testing.T) {
	f := newFixture(t)
	body := `{"identifier":"user-42"}`

	rec := f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", body)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[DecisionResponse](t, rec)
	assert.True(t, d.Allowed)
	assert.Equal(t, ratelimit.TierAuth, d.Tier)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, f.clk.Now().Add(time.Minute).UnixMilli(), d.ResetAtMs)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", body)
	require.Equal(t, http.StatusOK, rec.Code)

	f.clk.Advance(20 * time.Second)
	rec = f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	d = decode[DecisionResponse](t, rec)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 40, d.RetryAfterSeconds)
	assert.Equal(t, "40", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestCheck_TiersAreIndependent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", `{"identifier":"1.2.3.4"}`)
	}
	rec := f.do(f.internal, http.MethodPost, "/v1/limits/strict/check", `{"identifier":"1.2.3.4"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(f.internal, http.MethodPost, "/v1/limits/GENERAL/check", `{"identifier":"1.2.3.4"}`)
	assert.Equal(t, http.StatusOK, rec.Code, "tier names are case-insensitive")
}

func TestCheck_EmptyIdentifierIsAKey(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		rec := f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", `{"identifier":""}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", `{"identifier":""}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCheck_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing identifier", "/v1/limits/auth/check", `{}`, http.StatusBadRequest},
		{"not json", "/v1/limits/auth/check", `identifier=x`, http.StatusBadRequest},
		{"unknown field", "/v1/limits/auth/check", `{"identifier":"x","tier":"general"}`, http.StatusBadRequest},
		{"trailing data", "/v1/limits/auth/check", `{"identifier":"x"}{}`, http.StatusBadRequest},
		{"stray brace", "/v1/limits/auth/check", `{"identifier":"x"}}`, http.StatusBadRequest},
		{"stray bracket", "/v1/limits/auth/check", `{"identifier":"x"}]`, http.StatusBadRequest},
		{"wrong type", "/v1/limits/auth/check", `{"identifier":7}`, http.StatusBadRequest},
		{"unknown tier", "/v1/limits/platinum/check", `{"identifier":"x"}`, http.StatusNotFound},
		{"too large", "/v1/limits/auth/check", `{"identifier":"` + strings.Repeat("a", maxCheckBody) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(f.internal, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 0, f.registry.MustGet(ratelimit.TierAuth).Len(), "rejected requests must not consume quota")
}

func TestStatus_IsReadOnly(t *testing.T) {
	f := newFixture(t)
	f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", `{"identifier":"user-42"}`)

	for i := 0; i < 3; i++ {
		rec := f.do(f.internal, http.MethodGet, "/v1/limits/auth/keys/user-42", "")
		require.Equal(t, http.StatusOK, rec.Code)
		s := decode[StatusResponse](t, rec)
		assert.Equal(t, "user-42", s.Identifier)
		assert.Equal(t, 1, s.Remaining)
		assert.Equal(t, f.clk.Now().Add(time.Minute).UnixMilli(), s.ResetAtMs)
	}
}

func TestStatus_UnknownIdentifierReportsFullQuota(t *testing.T) {
	f := newFixture(t)
	rec := f.do(f.internal, http.MethodGet, "/v1/limits/strict/keys/nobody", "")
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[StatusResponse](t, rec)
	assert.Equal(t, 10, s.Remaining)
	assert.Equal(t, 0, f.registry.MustGet(ratelimit.TierStrict).Len(), "lookup must not create an entry")
}

func TestStatus_EscapedIdentifier(t *testing.T) {
	f := newFixture(t)
	f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", `{"identifier":"login:a/b"}`)

	rec := f.do(f.internal, http.MethodGet, "/v1/limits/auth/keys/login:a%2Fb", "")
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[StatusResponse](t, rec)
	assert.Equal(t, "login:a/b", s.Identifier)
	assert.Equal(t, 1, s.Remaining)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.do(f.internal, http.MethodPost, "/v1/limits/general/check", `{"identifier":"a"}`)
	f.do(f.internal, http.MethodPost, "/v1/limits/general/check", `{"identifier":"b"}`)

	rec := f.do(f.public, http.MethodGet, "/v1/limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[listResponse](t, rec)
	require.Len(t, out.Tiers, 3)
	assert.Equal(t, ratelimit.TierGeneral, out.Tiers[0].Tier)
	assert.Equal(t, 100, out.Tiers[0].MaxRequests)
	assert.Equal(t, "1m0s", out.Tiers[0].Window)
	assert.Equal(t, 2, out.Tiers[0].Entries)
	assert.Equal(t, 0, out.Tiers[1].Entries)
}

func TestAdmin_ResetKey(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", `{"identifier":"user-42"}`)
	}

	rec := f.do(f.admin, http.MethodDelete, "/admin/limits/auth/keys/user-42", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", `{"identifier":"user-42"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(f.admin, http.MethodDelete, "/admin/limits/auth/keys/never-seen", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdmin_ResetTier(t *testing.T) {
	f := newFixture(t)
	f.do(f.internal, http.MethodPost, "/v1/limits/strict/check", `{"identifier":"a"}`)
	f.do(f.internal, http.MethodPost, "/v1/limits/general/check", `{"identifier":"a"}`)

	rec := f.do(f.admin, http.MethodDelete, "/admin/limits/strict", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, f.registry.MustGet(ratelimit.TierStrict).Len())
	assert.Equal(t, 1, f.registry.MustGet(ratelimit.TierGeneral).Len())

	rec = f.do(f.admin, http.MethodDelete, "/admin/limits/bogus", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Sweep(t *testing.T) {
	f := newFixture(t)
	f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", `{"identifier":"old"}`)
	f.clk.Advance(time.Minute + time.Millisecond)
	f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", `{"identifier":"new"}`)

	rec := f.do(f.admin, http.MethodPost, "/admin/limits/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[sweepResponse](t, rec)
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, 1, out.Removed[ratelimit.TierAuth])
	assert.Equal(t, 1, f.registry.MustGet(ratelimit.TierAuth).Len())
}

func TestAdmin_NotOnPublicRouter(t *testing.T) {
	f := newFixture(t)
	rec := f.do(f.public, http.MethodDelete, "/admin/limits/auth", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheck_TrailingWhitespaceAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(f.internal, http.MethodPost, "/v1/limits/auth/check", "{\"identifier\":\"x\"}\n  ")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPublicRouter_OnlyListsTiers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(f.public, http.MethodPost, "/v1/limits/auth/check", `{"identifier":"203.0.113.9"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(f.public, http.MethodGet, "/v1/limits/auth/keys/203.0.113.9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, f.registry.MustGet(ratelimit.TierAuth).Len())

	rec = f.do(f.public, http.MethodGet, "/v1/limits", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
