// Package routes applies per-session static routes and DNS overrides and
// reverts exactly what was applied when the session ends.
package routes

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// hostResolver is swappable in tests so rule resolution needs no real DNS.
var hostResolver = net.LookupHost

// ResolveRule turns one profile routing rule into the CIDR handed to the
// routing table. Accepted forms:
//
//	10.0.0.0/8          CIDR, normalized to its network address
//	192.168.1.17        bare IP, becomes a /32
//	gitlab.example.com  hostname, resolved to its first address
//	https://wiki.corp/  URL, host extracted then resolved
func ResolveRule(rule string) (string, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return "", fmt.Errorf("empty routing rule")
	}

	// URLs carry their destination in the host part
	if strings.Contains(rule, "://") {
		u, err := url.Parse(rule)
		if err != nil || u.Hostname() == "" {
			return "", fmt.Errorf("invalid URL rule %q", rule)
		}
		rule = u.Hostname()
	}

	// CIDR: normalize to the network address ("192.168.1.1/24" -> "192.168.1.0/24")
	if strings.Contains(rule, "/") {
		_, ipNet, err := net.ParseCIDR(rule)
		if err != nil {
			return "", fmt.Errorf("invalid CIDR %q: %w", rule, err)
		}
		ones, _ := ipNet.Mask.Size()
		return fmt.Sprintf("%s/%d", ipNet.IP.String(), ones), nil
	}

	// Bare IP routes a single host
	if ip := net.ParseIP(rule); ip != nil {
		if ip.To4() == nil {
			return rule + "/128", nil
		}
		return rule + "/32", nil
	}

	// Hostname: first resolved address wins
	addrs, err := hostResolver(rule)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("cannot resolve host %q: %w", rule, err)
	}
	ip := net.ParseIP(addrs[0])
	if ip == nil {
		return "", fmt.Errorf("resolver returned invalid address %q for %q", addrs[0], rule)
	}
	if ip.To4() == nil {
		return addrs[0] + "/128", nil
	}
	return addrs[0] + "/32", nil
}
