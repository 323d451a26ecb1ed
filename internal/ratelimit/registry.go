package ratelimit

import (
	"strings"

	"github.com/letitrip/edgeguard/internal/xerrors"
)

// Tier names a trust level. Each tier owns an independent Limiter.
type Tier string

const (
	TierGeneral Tier = "general"
	TierAuth    Tier = "auth"
	TierStrict  Tier = "strict"
)

// allTiers is the stable iteration order used for logs, metrics and API output
var allTiers = []Tier{TierGeneral, TierAuth, TierStrict}

// ParseTier maps a case-insensitive name onto a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allTiers {
		if t == known {
			return t, nil
		}
	}
	return "", xerrors.Newf("unknown rate limit tier %q (valid tiers are general|auth|strict)", s)
}

// TierConfigs holds the quota for each tier.
type TierConfigs struct {
	General Config
	Auth    Config
	Strict  Config
}

// DefaultTierConfigs returns general 100/min, auth 5/min, strict 10/min.
func DefaultTierConfigs() TierConfigs {
	return TierConfigs{
		General: Config{MaxRequests: 100, Window: DefaultWindow},
		Auth:    Config{MaxRequests: 5, Window: DefaultWindow},
		Strict:  Config{MaxRequests: 10, Window: DefaultWindow},
	}
}

// For returns the config for t.
func (c TierConfigs) For(t Tier) Config {
	switch t {
	case TierAuth:
		return c.Auth
	case TierStrict:
		return c.Strict
	default:
		return c.General
	}
}

// Registry owns one Limiter per tier. It is constructed by main and passed
// to whatever serves HTTP, there are no package-level limiters.
type Registry struct {
	limiters map[Tier]*Limiter
}

// NewRegistry builds a limiter per tier. tierOpts are applied after opts and
// let callers wire tier-labelled hooks.
func NewRegistry(cfgs TierConfigs, opts []Option, tierOpts func(Tier) []Option) *Registry {
	r := &Registry{limiters: make(map[Tier]*Limiter, len(allTiers))}
	for _, t := range allTiers {
		all := append([]Option{}, opts...)
		if tierOpts != nil {
			all = append(all, tierOpts(t)...)
		}
		r.limiters[t] = New(cfgs.For(t), all...)
	}
	return r
}

// Get returns the limiter for t.
func (r *Registry) Get(t Tier) (*Limiter, bool) {
	l, ok := r.limiters[t]
	return l, ok
}

// MustGet is Get for tiers known at compile time.
func (r *Registry) MustGet(t Tier) *Limiter {
	l, ok := r.limiters[t]
	if !ok {
		panic("ratelimit: unknown tier " + string(t))
	}
	return l
}

// Tiers returns the tiers in stable order.
func (r *Registry) Tiers() []Tier {
	return append([]Tier(nil), allTiers...)
}

// Cleanup runs Cleanup on every tier and returns the per-tier removed counts.
func (r *Registry) Cleanup() map[Tier]int {
	out := make(map[Tier]int, len(r.limiters))
	for _, t := range allTiers {
		out[t] = r.limiters[t].Cleanup()
	}
	return out
}
