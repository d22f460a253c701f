package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ValidateClientProcess checks if a PID is still running and really is the
// tunnel client we remember. This prevents killing an unrelated process
// that reused the PID after a crash.
func ValidateClientProcess(info SessionInfo, clientPath string) bool {
	// Step 1: Check if process exists
	process, err := os.FindProcess(info.PID)
	if err != nil {
		slog.Debug("Process not found", "pid", info.PID, "profile", info.Profile)
		return false
	}

	// Send signal 0 (null signal) - just checks if process exists and we can signal it
	if err := process.Signal(syscall.Signal(0)); err != nil {
		slog.Debug("Process not accessible", "pid", info.PID, "profile", info.Profile, "error", err)
		return false
	}

	// Step 2: Verify the command line names our client and gateway
	cmdline, err := getProcessCommandLine(info.PID)
	if err != nil {
		slog.Debug("Failed to get process command line",
			"pid", info.PID,
			"profile", info.Profile,
			"error", err)
		return false
	}

	if !matchesClientCommandLine(cmdline, clientPath, info.Signature) {
		slog.Debug("Process command line mismatch",
			"pid", info.PID,
			"profile", info.Profile,
			"expected", info.Signature,
			"actual", cmdline)
		return false
	}

	slog.Debug("Process validated successfully", "pid", info.PID, "profile", info.Profile)
	return true
}

// matchesClientCommandLine checks that the command line names the tunnel
// client binary and the gateway address we spawned it against. Contains
// matching, because elevate wrappers prepend their own argv.
func matchesClientCommandLine(actual, clientPath, signature string) bool {
	client := filepath.Base(clientPath)
	if client == "" || !strings.Contains(actual, client) {
		return false
	}
	return signature != "" && strings.Contains(actual, signature)
}

// getProcessCommandLine returns the full command line string for the given
// PID. Implemented per platform.
func getProcessCommandLine(pid int) (string, error) {
	return getProcessCommandLinePlatform(pid)
}
