package forti

import (
	"regexp"
	"strings"
)

// Marker classifies a line of tunnel client output.
type Marker int

const (
	MarkerNone Marker = iota
	// MarkerGateway: TLS session to the gateway is up, tunnel not yet routed.
	MarkerGateway
	// MarkerTunnelUp: the client reports the tunnel fully established.
	MarkerTunnelUp
	// MarkerInterface: the ppp/tun interface name, in the value.
	MarkerInterface
	// MarkerVirtualIP: the assigned tunnel address, in the value.
	MarkerVirtualIP
	// MarkerPasswordPrompt: the client is waiting for a password on its tty.
	MarkerPasswordPrompt
	// MarkerElevatePrompt: sudo/pkexec wants its own password. We can't
	// answer that; the user needs passwordless elevation for the client.
	MarkerElevatePrompt
	// MarkerAuthFailure: the gateway rejected the credentials.
	MarkerAuthFailure
	// MarkerError: any other client-reported error, the line in the value.
	MarkerError
)

var (
	interfaceNameRe = regexp.MustCompile(`[Ii]nterface name:\s*(\S+)`)
	interfaceRe     = regexp.MustCompile(`(?i)(ppp\d+|tun\d+|tap\d+)`)
	virtualIPRe     = regexp.MustCompile(`Assigned (?:virtual )?IP:?\s*(\S+)`)
)

// errorNeedles are substrings (lowercase) of client output that indicate a
// failed attempt worth surfacing as the session's last error.
var errorNeedles = []string{
	"could not authenticate",
	"permission denied",
	"connection refused",
	"connection timed out",
	"no route to host",
	"certificate validation failed",
	"could not log out",
	"sorry, try again",
}

// ParseLine classifies one line of client output. The value carries the
// interface name, assigned IP, or error text when the marker has one.
func ParseLine(line string) (Marker, string) {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "tunnel is up"),
		strings.Contains(lower, "connected to vpn"),
		strings.Contains(lower, "ssl tunnel connected"):
		return MarkerTunnelUp, ""

	case strings.Contains(lower, "connected to gateway"):
		return MarkerGateway, ""

	case strings.Contains(lower, "interface name:"):
		if m := interfaceNameRe.FindStringSubmatch(line); m != nil {
			return MarkerInterface, m[1]
		}

	case strings.Contains(lower, "interface"):
		// pppd phrasing: "Using interface ppp0"
		if m := interfaceRe.FindStringSubmatch(line); m != nil {
			return MarkerInterface, m[1]
		}

	case strings.Contains(lower, "assigned") && strings.Contains(lower, "ip"):
		if m := virtualIPRe.FindStringSubmatch(line); m != nil {
			return MarkerVirtualIP, m[1]
		}
	}

	if strings.Contains(lower, "could not authenticate") || strings.Contains(lower, "authentication failed") {
		return MarkerAuthFailure, strings.TrimSpace(line)
	}

	for _, needle := range errorNeedles {
		if strings.Contains(lower, needle) {
			return MarkerError, strings.TrimSpace(line)
		}
	}

	// Prompts have no newline; the pty reader flushes them through as
	// partial lines ending in ':'
	if strings.Contains(lower, "password") && strings.HasSuffix(strings.TrimSpace(lower), ":") {
		if strings.Contains(lower, "[sudo]") || strings.Contains(lower, "password for") {
			return MarkerElevatePrompt, strings.TrimSpace(line)
		}
		return MarkerPasswordPrompt, ""
	}

	return MarkerNone, ""
}
