package routes

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// RouteBinding records one route successfully installed for a session.
// Teardown removes bindings, never rules, so a route that failed to apply
// is never "removed" and a route someone else owns is never touched.
type RouteBinding struct {
	CIDR  string `json:"cidr"`
	Iface string `json:"iface"`
}

// Applier installs and removes per-session routes via the system `ip` tool.
type Applier struct {
	// run executes a command and returns its combined output. Swapped out
	// in tests.
	run func(name string, args ...string) ([]byte, error)
}

func NewApplier() *Applier {
	return &Applier{
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

// Apply resolves every rule and installs the resulting routes on iface.
// Failures are collected as warnings; a bad rule never blocks the rest.
func (a *Applier) Apply(profile, iface string, rules []string) ([]RouteBinding, []string) {
	var bindings []RouteBinding
	var warnings []string

	for _, rule := range rules {
		cidr, err := ResolveRule(rule)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("route rule %q skipped: %v", rule, err))
			continue
		}

		// replace is idempotent where add would fail on an existing route
		out, err := a.run("ip", "route", "replace", cidr, "dev", iface)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("route %s via %s failed: %v: %s",
				cidr, iface, err, strings.TrimSpace(string(out))))
			continue
		}

		slog.Debug("Route installed", "profile", profile, "cidr", cidr, "iface", iface)
		bindings = append(bindings, RouteBinding{CIDR: cidr, Iface: iface})
	}

	return bindings, warnings
}

// Revert removes exactly the routes recorded in bindings. Missing routes
// (interface already gone) are fine; other failures become warnings.
func (a *Applier) Revert(profile string, bindings []RouteBinding) []string {
	var warnings []string

	for _, b := range bindings {
		out, err := a.run("ip", "route", "del", b.CIDR, "dev", b.Iface)
		if err != nil {
			msg := strings.TrimSpace(string(out))
			// the kernel drops routes with the interface; both answers mean gone
			if strings.Contains(msg, "No such process") || strings.Contains(msg, "Cannot find device") {
				continue
			}
			warnings = append(warnings, fmt.Sprintf("route %s removal failed: %v: %s", b.CIDR, err, msg))
			continue
		}
		slog.Debug("Route removed", "profile", profile, "cidr", b.CIDR, "iface", b.Iface)
	}

	return warnings
}
