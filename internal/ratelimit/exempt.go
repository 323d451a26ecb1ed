package ratelimit

import (
	"net/netip"
	"strings"

	"github.com/seancfoley/ipaddress-go/ipaddr"

	"github.com/letitrip/edgeguard/internal/xerrors"
)

// ExemptNetworks is a set of CIDRs whose clients bypass rate limiting at the
// HTTP layer (internal monitors, back-office hosts). The Limiter itself never
// special-cases identifiers, exemption happens before it is consulted.
type ExemptNetworks struct {
	v4   *ipaddr.IPv4AddressTrie
	v6   *ipaddr.IPv6AddressTrie
	size int
}

// ParseExemptNetworks parses a comma separated list of CIDRs or bare addresses.
// An empty list returns an empty set that matches nothing.
func ParseExemptNetworks(list string) (*ExemptNetworks, error) {
	n := &ExemptNetworks{
		v4: &ipaddr.IPv4AddressTrie{},
		v6: &ipaddr.IPv6AddressTrie{},
	}
	for _, raw := range strings.Split(list, ",") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		addr, err := ipaddr.NewIPAddressString(s).ToAddress()
		if err != nil {
			return nil, xerrors.Wrapf(err, "invalid exempt network %q", s)
		}
		addr = addr.ToPrefixBlock()
		switch {
		case addr.IsIPv4():
			n.v4.Add(addr.ToIPv4())
		case addr.IsIPv6():
			n.v6.Add(addr.ToIPv6())
		default:
			return nil, xerrors.Newf("exempt network %q is neither IPv4 nor IPv6", s)
		}
		n.size++
	}
	return n, nil
}

// Len returns the number of configured networks.
func (n *ExemptNetworks) Len() int {
	if n == nil {
		return 0
	}
	return n.size
}

// Contains reports whether ip falls inside any configured network.
// Unparseable input is never exempt.
func (n *ExemptNetworks) Contains(ip string) bool {
	if n == nil || n.size == 0 || ip == "" {
		return false
	}
	// ::ffff:a.b.c.d is matched against the v4 set
	parsed, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr, err := ipaddr.NewIPAddressString(parsed.Unmap().String()).ToAddress()
	if err != nil {
		return false
	}
	if addr.IsIPv4() {
		return n.v4.ElementContains(addr.ToIPv4())
	}
	if addr.IsIPv6() {
		return n.v6.ElementContains(addr.ToIPv6())
	}
	return false
}
