package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/letitrip/edgeguard/internal/cfg"
	"github.com/letitrip/edgeguard/internal/httpmw"
	"github.com/letitrip/edgeguard/internal/log"
	"github.com/letitrip/edgeguard/internal/metrics"
	"github.com/letitrip/edgeguard/internal/ratelimit"
)

func defaultConfig(t *testing.T, args ...string) cfg.App {
	t.Helper()
	var c cfg.App
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return c
}

func TestResolveTiers_NoPolicyUsesFlags(t *testing.T) {
	conf := defaultConfig(t, "-auth-max=3")
	got := resolveTiers(context.Background(), log.Nop(), conf, metrics.New())
	if got != conf.TierConfigs() {
		t.Fatalf("tiers = %+v, want flag values %+v", got, conf.TierConfigs())
	}
	if got.Auth.MaxRequests != 3 {
		t.Fatalf("auth max = %d, want 3", got.Auth.MaxRequests)
	}
}

func TestNewGateway_DisabledWithoutUpstream(t *testing.T) {
	conf := defaultConfig(t)
	reg := ratelimit.NewRegistry(conf.TierConfigs(), nil, nil)
	gw, err := newGateway(conf, reg, nil, metrics.New())
	if err != nil {
		t.Fatalf("newGateway: %v", err)
	}
	if gw != nil {
		t.Fatal("expected no gateway without -upstream")
	}
}

func TestNewGateway_UsesRouteTiers(t *testing.T) {
	conf := defaultConfig(t, "-upstream=http://127.0.0.1:1", "-route-tiers=/login=auth")
	reg := ratelimit.NewRegistry(conf.TierConfigs(), nil, nil)
	gw, err := newGateway(conf, reg, nil, metrics.New())
	if err != nil {
		t.Fatalf("newGateway: %v", err)
	}
	if got := gw.TierFor("/login"); got != ratelimit.TierAuth {
		t.Fatalf("TierFor(/login) = %q, want auth", got)
	}
}

func TestKeyFunc(t *testing.T) {
	request := func(ip, apiKey string) *http.Request {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Api-Key", apiKey)
		return r.WithContext(httpmw.WithClientIP(r.Context(), ip))
	}

	key, err := keyFunc("", "")
	if err != nil {
		t.Fatalf("keyFunc: %v", err)
	}
	if got := key(request("198.51.100.4", "k-123")); got != "198.51.100.4" {
		t.Fatalf("client ip key = %q", got)
	}

	key, err = keyFunc("X-Api-Key", "10.1.0.0/16")
	if err != nil {
		t.Fatalf("keyFunc: %v", err)
	}
	if got := key(request("10.1.2.3", "k-123")); got != "k-123" {
		t.Fatalf("trusted header key = %q", got)
	}
	if got := key(request("198.51.100.4", "k-123")); got != "198.51.100.4" {
		t.Fatalf("untrusted client keyed on %q, want its ip", got)
	}

	if _, err := keyFunc("X-Api-Key", "nonsense"); err == nil {
		t.Fatal("expected error for bad networks")
	}
}
