// Package browser launches the user's browser for SAML handshakes.
package browser

import (
	"fmt"
	"log/slog"
	"os/exec"
)

// commands maps friendly browser names from profile blocks to the binary
// actually invoked. Unknown names are used verbatim so absolute paths and
// uncommon browsers still work.
var commands = map[string]string{
	"edge":     "microsoft-edge",
	"chrome":   "google-chrome",
	"chromium": "chromium-browser",
	"firefox":  "firefox",
}

// Launcher starts a browser pointed at a URL and immediately lets go of
// the process. The zero value falls back to xdg-open.
type Launcher struct {
	Default string // used when the profile names no browser
}

// New creates a Launcher with the given default command.
func New(defaultCmd string) *Launcher {
	return &Launcher{Default: defaultCmd}
}

// Open fires up a browser at url. command and args come from the profile;
// both may be empty.
func (l *Launcher) Open(url, command string, args []string) error {
	name := command
	if name == "" {
		name = l.Default
	}
	if name == "" {
		name = "xdg-open"
	}
	bin := Resolve(name)

	argv := append(append([]string{}, args...), url)
	cmd := exec.Command(bin, argv...)

	slog.Debug("Launching browser", "command", bin, "url", url)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch browser %s: %w", bin, err)
	}

	// Most browsers hand off to a running instance and exit; reap quietly
	go cmd.Wait()

	return nil
}

// Resolve translates a friendly browser name into its launch command.
func Resolve(name string) string {
	if bin, ok := commands[name]; ok {
		return bin
	}
	return name
}
