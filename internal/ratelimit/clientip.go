package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ProxyTrust decides when X-Forwarded-For and X-Real-IP are believed.
type ProxyTrust struct {
	TrustHeaders bool
	cidrs        []*net.IPNet
	ips          map[string]bool
}

// ParseProxyTrust parses a comma-separated list of CIDRs or IPs. Headers are
// only believed from peers in the list; an empty list trusts no one.
func ParseProxyTrust(trustHeaders bool, proxies string) ProxyTrust {
	pt := ProxyTrust{TrustHeaders: trustHeaders, ips: make(map[string]bool)}
	for _, p := range strings.Split(proxies, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(p); err == nil {
			pt.cidrs = append(pt.cidrs, cidr)
			continue
		}
		if ip := net.ParseIP(p); ip != nil {
			pt.ips[ip.String()] = true
		}
	}
	return pt
}

// ClientIP extracts the client identifier used as the limiter key.
// X-Forwarded-For is walked from the right: every trusted proxy appends the
// address it saw, so the first untrusted hop is the client. Entries left of
// it are client supplied and ignored.
func (pt ProxyTrust) ClientIP(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if !pt.TrustHeaders || !pt.trusted(peer) {
		return peer
	}
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		client := ""
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			client = hop
			if !pt.trusted(hop) {
				break
			}
		}
		if client != "" {
			return client
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func (pt ProxyTrust) trusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if pt.ips[ip.String()] {
		return true
	}
	for _, c := range pt.cidrs {
		if c.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
