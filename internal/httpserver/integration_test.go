package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letitrip/edgeguard/internal/gateway"
	"github.com/letitrip/edgeguard/internal/httpmw"
	"github.com/letitrip/edgeguard/internal/httpserver"
	"github.com/letitrip/edgeguard/internal/limitapi"
	"github.com/letitrip/edgeguard/internal/log"
	"github.com/letitrip/edgeguard/internal/metrics"
	"github.com/letitrip/edgeguard/internal/opshttp"
	"github.com/letitrip/edgeguard/internal/ratelimit"
)

// TestIntegration_GatewayAndDecisionAPI runs both listeners the way main
// assembles them: the gateway and tier listing on the public handler, the
// decision API on the ops handler, one registry behind both.
func TestIntegration_GatewayAndDecisionAPI(t *testing.T) {
	upstreamHits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","request_id":"` + r.Header.Get("X-Request-Id") + `"}`))
	}))
	t.Cleanup(upstream.Close)
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	cfgs := ratelimit.DefaultTierConfigs()
	cfgs.Auth = ratelimit.Config{MaxRequests: 2, Window: time.Minute}
	reg := ratelimit.NewRegistry(cfgs, nil, nil)
	m := metrics.New()
	m.TrackRateLimiter(reg)

	routes, err := gateway.ParseRoutes("/api/auth=auth,/api/payouts=strict")
	require.NoError(t, err)
	gw, err := gateway.New(gateway.Options{
		Upstream:        upstreamURL,
		Registry:        reg,
		Routes:          routes,
		OnUpstreamError: m.IncUpstreamError,
	})
	require.NoError(t, err)

	api, err := limitapi.New(limitapi.Options{Registry: reg})
	require.NoError(t, err)

	h := httpserver.NewHandler(httpserver.Options{
		Logger:       log.Nop(),
		APIRoutes:    api.RegisterRoutes,
		Gateway:      gw,
		MetricsMW:    m.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: 1},
		UseRecoverMW: true,
	})

	send := func(method, path, client, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		req.RemoteAddr = "10.0.0.10:40000"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("proxies general traffic with headers", func(t *testing.T) {
		rec := send(http.MethodGet, "/api/listings/9", "203.0.113.1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "/api/listings/9", body["path"])
		assert.Equal(t, rec.Header().Get("X-Request-Id"), body["request_id"], "request id forwarded upstream")
	})

	t.Run("auth tier denies third login from one client", func(t *testing.T) {
		hitsBefore := upstreamHits
		for i := 0; i < 2; i++ {
			rec := send(http.MethodPost, "/api/auth/login", "203.0.113.2", "")
			require.Equal(t, http.StatusOK, rec.Code)
		}
		rec := send(http.MethodPost, "/api/auth/login", "203.0.113.2", "")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.Equal(t, hitsBefore+2, upstreamHits, "denied request must not reach upstream")

		rec = send(http.MethodPost, "/api/auth/login", "203.0.113.3", "")
		assert.Equal(t, http.StatusOK, rec.Code, "other clients keep their own quota")
	})

	t.Run("public peers cannot spend a gateway client's quota", func(t *testing.T) {
		// unclaimed by the public API, these fall through to the upstream
		for i := 0; i < 5; i++ {
			rec := send(http.MethodPost, "/v1/limits/auth/check", "198.51.100.66", `{"identifier":"203.0.113.9"}`)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `"path":"/v1/limits/auth/check"`)
			assert.NotContains(t, rec.Body.String(), `"allowed"`)
		}
		rec := send(http.MethodGet, "/v1/limits/auth/keys/203.0.113.9", "198.51.100.66", "")
		assert.NotContains(t, rec.Body.String(), `"remaining"`)
		assert.Equal(t, 2, reg.MustGet(ratelimit.TierAuth).Remaining("203.0.113.9"))

		rec = send(http.MethodPost, "/api/auth/login", "203.0.113.9", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

		rec = send(http.MethodGet, "/v1/limits", "198.51.100.66", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("decision API is served on the ops listener to private peers only", func(t *testing.T) {
		ops := opshttp.NewHandler(log.Nop(), opshttp.Options{
			AdminRoutes: func(r chi.Router) {
				api.RegisterInternalRoutes(r)
				api.RegisterAdminRoutes(r)
			},
		})
		opsSend := func(peer, path, body string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
			req.RemoteAddr = peer + ":41000"
			rec := httptest.NewRecorder()
			ops.ServeHTTP(rec, req)
			return rec
		}

		rec := opsSend("198.51.100.66", "/v1/limits/auth/check", `{"identifier":"203.0.113.9"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = opsSend("10.0.4.7", "/v1/limits/auth/check", `{"identifier":"svc:password-reset:u1"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var d limitapi.DecisionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Remaining)
	})

	t.Run("metrics label proxied and api routes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := rec.Body.String()
		assert.Contains(t, body, `route="/*"`)
		assert.Contains(t, body, `route="/v1/limits"`)
		assert.Contains(t, body, `ratelimit_entries{tier="auth"} 4`)
	})
}
