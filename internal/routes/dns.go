package routes

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	resolveService = "org.freedesktop.resolve1"
	resolvePath    = dbus.ObjectPath("/org/freedesktop/resolve1")
	resolveManager = "org.freedesktop.resolve1.Manager"
)

// linkAddress and linkDomain match the wire signatures of SetLinkDNS and
// SetLinkDomains on org.freedesktop.resolve1.Manager.
type linkAddress struct {
	Family  int32
	Address []byte
}

type linkDomain struct {
	Domain      string
	RoutingOnly bool
}

// DNSBinding records a per-link DNS override pushed to systemd-resolved,
// so teardown can revert that link and nothing else.
type DNSBinding struct {
	LinkIndex int32  `json:"link_index"`
	Iface     string `json:"iface"`
}

// ApplyDNS sets per-link DNS servers and search domains on iface through
// systemd-resolved. A nil binding with warnings means nothing was applied.
func ApplyDNS(profile, iface string, servers, domains []string) (*DNSBinding, []string) {
	if len(servers) == 0 && len(domains) == 0 {
		return nil, nil
	}

	link, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, []string{fmt.Sprintf("dns override skipped: interface %s: %v", iface, err)}
	}
	idx := int32(link.Index)

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, []string{fmt.Sprintf("dns override skipped: system bus unavailable: %v", err)}
	}

	var warnings []string
	obj := conn.Object(resolveService, resolvePath)

	if len(servers) > 0 {
		addrs, bad := packLinkAddresses(servers)
		warnings = append(warnings, bad...)
		if len(addrs) > 0 {
			if call := obj.Call(resolveManager+".SetLinkDNS", 0, idx, addrs); call.Err != nil {
				warnings = append(warnings, fmt.Sprintf("SetLinkDNS on %s failed: %v", iface, call.Err))
			} else {
				slog.Debug("DNS servers set", "profile", profile, "iface", iface, "servers", servers)
			}
		}
	}

	if len(domains) > 0 {
		packed := make([]linkDomain, 0, len(domains))
		for _, d := range domains {
			routingOnly := strings.HasPrefix(d, "~")
			packed = append(packed, linkDomain{Domain: strings.TrimPrefix(d, "~"), RoutingOnly: routingOnly})
		}
		if call := obj.Call(resolveManager+".SetLinkDomains", 0, idx, packed); call.Err != nil {
			warnings = append(warnings, fmt.Sprintf("SetLinkDomains on %s failed: %v", iface, call.Err))
		} else {
			slog.Debug("DNS domains set", "profile", profile, "iface", iface, "domains", domains)
		}
	}

	return &DNSBinding{LinkIndex: idx, Iface: iface}, warnings
}

// RevertDNS drops the per-link overrides recorded in b. resolved forgets a
// link when its interface disappears, so a vanished link is not an error.
func RevertDNS(profile string, b *DNSBinding) []string {
	if b == nil {
		return nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return []string{fmt.Sprintf("dns revert skipped: system bus unavailable: %v", err)}
	}

	call := conn.Object(resolveService, resolvePath).Call(resolveManager+".RevertLink", 0, b.LinkIndex)
	if call.Err != nil {
		if strings.Contains(call.Err.Error(), "NoSuchLink") {
			return nil
		}
		return []string{fmt.Sprintf("RevertLink on %s failed: %v", b.Iface, call.Err)}
	}

	slog.Debug("DNS override reverted", "profile", profile, "iface", b.Iface)
	return nil
}

func packLinkAddresses(servers []string) ([]linkAddress, []string) {
	var addrs []linkAddress
	var warnings []string

	for _, s := range servers {
		ip := net.ParseIP(strings.TrimSpace(s))
		if ip == nil {
			warnings = append(warnings, fmt.Sprintf("dns server %q is not an IP address", s))
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			addrs = append(addrs, linkAddress{Family: unix.AF_INET, Address: v4})
		} else {
			addrs = append(addrs, linkAddress{Family: unix.AF_INET6, Address: ip.To16()})
		}
	}

	return addrs, warnings
}
