package gateway

import (
	"sort"
	"strings"

	"github.com/letitrip/edgeguard/internal/ratelimit"
	"github.com/letitrip/edgeguard/internal/xerrors"
)

// RouteTier assigns requests whose path starts with Prefix to Tier.
type RouteTier struct {
	Prefix string
	Tier   ratelimit.Tier
}

// ParseRoutes parses "prefix=tier" rules separated by commas, e.g.
// "/api/auth=auth,/api/payouts=strict". The result is ordered longest prefix
// first so the first match is the most specific.
func ParseRoutes(s string) ([]RouteTier, error) {
	var out []RouteTier
	seen := make(map[string]bool)
	for _, raw := range strings.Split(s, ",") {
		rule := strings.TrimSpace(raw)
		if rule == "" {
			continue
		}
		prefix, tierName, ok := strings.Cut(rule, "=")
		prefix = strings.TrimSpace(prefix)
		if !ok || prefix == "" {
			return nil, xerrors.Newf("route rule %q must be prefix=tier", rule)
		}
		if !strings.HasPrefix(prefix, "/") {
			return nil, xerrors.Newf("route prefix %q must start with /", prefix)
		}
		if seen[prefix] {
			return nil, xerrors.Newf("duplicate route prefix %q", prefix)
		}
		tier, err := ratelimit.ParseTier(tierName)
		if err != nil {
			return nil, xerrors.Wrapf(err, "route %q", prefix)
		}
		seen[prefix] = true
		out = append(out, RouteTier{Prefix: prefix, Tier: tier})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Prefix) > len(out[j].Prefix)
	})
	return out, nil
}

// MatchTier returns the tier of the longest prefix matching path, or
// TierGeneral when nothing matches. A prefix matches on a path segment
// boundary: /api/auth matches /api/auth and /api/auth/login, not /api/authors.
func MatchTier(routes []RouteTier, path string) ratelimit.Tier {
	for _, rt := range routes {
		if matchPrefix(rt.Prefix, path) {
			return rt.Tier
		}
	}
	return ratelimit.TierGeneral
}

func matchPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}
