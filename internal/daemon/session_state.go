package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.fortid.dev/fortid/internal/core"
)

// SessionStateFile records the client PIDs that were alive when the daemon
// last wrote it. It exists so a daemon that died uncleanly can find and
// kill the tunnel processes it left behind; sessions are never adopted
// across a daemon restart.
type SessionStateFile struct {
	Version   string        `json:"version"`
	Timestamp string        `json:"timestamp"`
	Sessions  []SessionInfo `json:"sessions"`
}

// SessionInfo identifies one spawned tunnel client. Signature is the
// gateway address the client was started against, matched against
// /proc/<pid>/cmdline before any kill.
type SessionInfo struct {
	PID       int       `json:"pid"`
	Profile   string    `json:"profile"`
	Signature string    `json:"signature"`
	StartedAt time.Time `json:"started_at"`
}

const stateFileVersion = "1"

// SaveSessionState atomically writes the live client PIDs to disk.
// Uses temp file + rename for atomic writes.
func (d *Daemon) SaveSessionState() error {
	var infos []SessionInfo
	for _, snap := range d.registry.List() {
		if snap.PID <= 0 || !snap.State.Active() {
			continue
		}
		profile, ok := d.config().Profiles[snap.Profile]
		if !ok {
			continue
		}
		infos = append(infos, SessionInfo{
			PID:       snap.PID,
			Profile:   snap.Profile,
			Signature: profile.Address(),
			StartedAt: snap.ConnectedAt,
		})
	}

	state := SessionStateFile{
		Version:   stateFileVersion,
		Timestamp: time.Now().Format(time.RFC3339),
		Sessions:  infos,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	// Atomic write: write to temp file, then rename
	statePath := core.GetSessionStatePath()
	tempPath := statePath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write session state temp file: %w", err)
	}

	if err := os.Rename(tempPath, statePath); err != nil {
		os.Remove(tempPath) // Clean up on error
		return fmt.Errorf("failed to rename session state file: %w", err)
	}

	return nil
}

// LoadSessionState reads the session state file from disk.
// Returns nil if the file doesn't exist (not an error - first run).
func LoadSessionState() (*SessionStateFile, error) {
	statePath := core.GetSessionStatePath()

	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		return nil, nil // No state file - not an error
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read session state file: %w", err)
	}

	var state SessionStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session state file: %w", err)
	}

	if state.Version != stateFileVersion {
		return nil, fmt.Errorf("unsupported state file version: %s (expected %s)", state.Version, stateFileVersion)
	}

	return &state, nil
}

// RemoveSessionStateFile removes the state file after a clean shutdown or
// a completed startup sweep.
func RemoveSessionStateFile() error {
	statePath := core.GetSessionStatePath()

	if err := os.Remove(statePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session state file: %w", err)
	}

	return nil
}
