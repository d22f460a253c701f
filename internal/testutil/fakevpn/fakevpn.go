// Package fakevpn generates scripted stand-ins for the tunnel client so
// session tests can exercise spawn, prompt, crash, and signal paths
// without a VPN gateway.
package fakevpn

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Write drops an executable shell script into dir and returns its path.
// The script ignores the argv the daemon builds for the real client.
func Write(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write fake client: %v", err)
	}
	return path
}

// Up emits the full happy-path marker sequence, then holds the tunnel
// open until interrupted.
func Up(t *testing.T, dir string) string {
	return Write(t, dir, "fakevpn-up", `
echo "Connected to gateway."
echo "Using interface ppp7"
echo "Assigned IP: 10.212.134.200"
echo "Tunnel is up and running."
trap 'echo "Logged out."; exit 0' INT TERM
while :; do sleep 0.1; done
`)
}

// Crash fails immediately with an error marker, for retry ladder tests.
func Crash(t *testing.T, dir string) string {
	return Write(t, dir, "fakevpn-crash", `
echo "Connected to gateway."
echo "Connection timed out."
exit 1
`)
}

// UpThenCrash holds the tunnel for roughly holdMs, then exits nonzero.
func UpThenCrash(t *testing.T, dir string, holdMs int) string {
	return Write(t, dir, "fakevpn-drop", fmt.Sprintf(`
echo "Using interface ppp7"
echo "Tunnel is up and running."
trap 'exit 0' INT TERM
i=0
while [ $i -lt %d ]; do
  sleep 0.01
  i=$((i+1))
done
echo "Connection timed out."
exit 1
`, holdMs/10))
}

// PasswordFlow prompts for a password on its tty and brings the tunnel
// up only when it reads the expected secret.
func PasswordFlow(t *testing.T, dir, want string) string {
	return Write(t, dir, "fakevpn-password", fmt.Sprintf(`
printf "password: "
read -r secret
if [ "$secret" != %q ]; then
  echo "Could not authenticate to gateway."
  exit 1
fi
echo "Using interface ppp7"
echo "Assigned IP: 10.212.134.200"
echo "Tunnel is up and running."
trap 'exit 0' INT TERM
while :; do sleep 0.1; done
`, want))
}

// CookieFlow blocks reading the SAML cookie from its tty, mirroring
// --cookie-on-stdin, then brings the tunnel up.
func CookieFlow(t *testing.T, dir string) string {
	return Write(t, dir, "fakevpn-cookie", `
read -r cookie
if [ -z "$cookie" ]; then
  echo "Could not authenticate to gateway."
  exit 1
fi
echo "Using interface ppp7"
echo "Assigned IP: 10.212.134.201"
echo "Tunnel is up and running."
trap 'exit 0' INT TERM
while :; do sleep 0.1; done
`)
}
