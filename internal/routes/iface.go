package routes

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// netInterfaces is swappable in tests.
var netInterfaces = net.Interfaces

// tunnelPrefixes are the interface families openfortivpn creates: ppp for
// the pppd data path, tun when ppp is unavailable.
var tunnelPrefixes = []string{"ppp", "tun"}

func isTunnelName(name string) bool {
	for _, p := range tunnelPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// SnapshotTunnels returns the tunnel interfaces present right now. Taken
// before spawning the client so a later scan can tell our interface apart
// from those owned by concurrent sessions.
func SnapshotTunnels() map[string]bool {
	present := make(map[string]bool)
	ifaces, err := netInterfaces()
	if err != nil {
		return present
	}
	for _, ifc := range ifaces {
		if isTunnelName(ifc.Name) {
			present[ifc.Name] = true
		}
	}
	return present
}

// WaitForInterface polls until the named interface exists and is up.
func WaitForInterface(name string, attempts int, interval time.Duration) error {
	for i := 0; i < attempts; i++ {
		ifc, err := net.InterfaceByName(name)
		if err == nil && ifc.Flags&net.FlagUp != 0 {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("interface %s did not come up", name)
}

// WaitForNewTunnel polls for a tunnel interface that was absent from the
// before snapshot. Used when the client never reported an interface name.
func WaitForNewTunnel(before map[string]bool, attempts int, interval time.Duration) (string, error) {
	for i := 0; i < attempts; i++ {
		ifaces, err := netInterfaces()
		if err == nil {
			for _, ifc := range ifaces {
				if isTunnelName(ifc.Name) && !before[ifc.Name] && ifc.Flags&net.FlagUp != 0 {
					return ifc.Name, nil
				}
			}
		}
		time.Sleep(interval)
	}
	return "", fmt.Errorf("no new tunnel interface appeared")
}
