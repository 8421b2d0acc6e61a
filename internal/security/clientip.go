package security

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies holds the set of reverse-proxy addresses/CIDR ranges that
// are allowed to supply an X-Forwarded-For header. A direct connection
// from any other address has its header ignored, since X-Forwarded-For is
// client-controlled and trivially spoofed by anyone connecting directly.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses a list of IPs and/or CIDR ranges.
func NewTrustedProxies(entries []string) (TrustedProxies, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		p, err := parseCIDROrIP(e)
		if err != nil {
			return TrustedProxies{}, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
		}
		prefixes = append(prefixes, p)
	}
	return TrustedProxies{prefixes: prefixes}, nil
}

func (t TrustedProxies) contains(addr netip.Addr) bool {
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the real client IP for req. It trusts the first entry
// of X-Forwarded-For only when the direct TCP peer (req.RemoteAddr) is
// itself a configured trusted proxy; otherwise it returns the direct peer
// address unconditionally.
func (t TrustedProxies) ClientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}

	forwarded := req.Header.Get("X-Forwarded-For")
	if forwarded == "" || len(t.prefixes) == 0 {
		return host
	}

	direct, err := netip.ParseAddr(host)
	if err != nil || !t.contains(direct) {
		return host
	}

	first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
	if first == "" {
		return host
	}
	return first
}

// parseCIDROrIP parses s as a CIDR prefix, or as a single IP address
// widened to its full-length prefix (/32 for IPv4, /128 for IPv6).
func parseCIDROrIP(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// IPInNetworks reports whether ip matches any of networks (IPs or CIDR
// ranges), used to check inbound webhook source IPs against a provider's
// published IP ranges.
func IPInNetworks(ip string, networks []string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, n := range networks {
		p, err := parseCIDROrIP(n)
		if err != nil {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
