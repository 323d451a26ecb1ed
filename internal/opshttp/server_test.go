package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/letitrip/edgeguard/internal/health"
	"github.com/letitrip/edgeguard/internal/log"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// localRequest is served through NewHandler from a loopback peer.
func localRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:50000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_Probes(t *testing.T) {
	var gate health.ShutdownGate
	h := NewHandler(log.Nop(), Options{
		Health:    health.Fixed(true, ""),
		Readiness: gate.Probe(),
	})

	for _, p := range []string{"/-/healthy", "/healthz", "/-/ready", "/readyz"} {
		if rec := localRequest(t, h, http.MethodGet, p); rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", p, rec.Code)
		}
	}
	gate.Set("draining")
	rec := localRequest(t, h, http.MethodGet, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "draining") {
		t.Fatalf("readyz while draining = %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_Metrics(t *testing.T) {
	h := NewHandler(log.Nop(), Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ratelimit_entries{tier=\"auth\"} 0\n"))
		}),
	})
	rec := localRequest(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ratelimit_entries") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_Pprof(t *testing.T) {
	off := NewHandler(log.Nop(), Options{})
	if rec := localRequest(t, off, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}

	on := NewHandler(log.Nop(), Options{EnablePprof: true})
	if rec := localRequest(t, on, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
	if rec := localRequest(t, on, http.MethodGet, "/debug/pprof/goroutine?debug=1"); rec.Code != http.StatusOK {
		t.Fatalf("pprof goroutine = %d", rec.Code)
	}
}

func TestNewHandler_AdminRoutes(t *testing.T) {
	called := false
	h := NewHandler(log.Nop(), Options{
		AdminRoutes: func(r chi.Router) {
			r.Delete("/admin/limits/{tier}", func(w http.ResponseWriter, r *http.Request) {
				called = chi.URLParam(r, "tier") == "auth"
				w.WriteHeader(http.StatusNoContent)
			})
		},
	})
	rec := localRequest(t, h, http.MethodDelete, "/admin/limits/auth")
	if rec.Code != http.StatusNoContent || !called {
		t.Fatalf("status=%d called=%v", rec.Code, called)
	}

	req := httptest.NewRequest(http.MethodDelete, "/admin/limits/auth", nil)
	req.RemoteAddr = "203.0.113.9:4444"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("public admin request = %d", rec.Code)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	panics := 0
	h := NewHandler(log.Nop(), Options{
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
		AdminRoutes: func(r chi.Router) {
			r.Post("/admin/limits/sweep", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
		},
	})
	rec := localRequest(t, h, http.MethodPost, "/admin/limits/sweep")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status=%d panics=%d", rec.Code, panics)
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := requireNonPublicNetwork(log.Nop(), ok)

	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:1", http.StatusOK},
		{"[::1]:1", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[fd00::1]:8080", http.StatusOK},
		{"[::ffff:10.0.0.1]:1", http.StatusOK},
		{"8.8.8.8:1", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:1", http.StatusForbidden},
		{"[2001:db8::1]:1", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"999.999.999.999:8080", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%q: status = %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}
}

func TestStart_LifecycleOverLoopback(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), Options{Port: port, Health: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(sctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if _, err := Start(context.Background(), log.Nop(), Options{Port: ln.Addr().(*net.TCPAddr).Port}); err == nil {
		t.Fatal("expected listen error")
	}
}
