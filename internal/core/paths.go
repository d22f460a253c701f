package core

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
)

const (
	BaseDirName    = ".config/fortid"
	StateDirName   = ".local/state/fortid"
	ConfigFileName = "fortid.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	DatabaseName   = "fortid.db"
	LogDirName     = "logs"
	StateFileName  = "session_state.json"
)

// DefaultConfigPath returns the per-user configuration directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(home, BaseDirName)
}

// DefaultStatePath returns the per-user state directory (database, session logs).
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return StateDirName
	}
	return filepath.Join(home, StateDirName)
}

func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.StatePath, DatabaseName)
}

func GetLogDir() string {
	return filepath.Join(Config.StatePath, LogDirName)
}

func GetSessionStatePath() string {
	return filepath.Join(Config.StatePath, StateFileName)
}

// ProcessTag returns a short tag derived from the config path. Spawned
// tunnel clients carry it in their environment so the orphan sweep can
// tell our children apart from unrelated instances sharing the host.
func ProcessTag() string {
	hash := sha256.Sum256([]byte(Config.ConfigPath))
	return fmt.Sprintf("%x", hash[:4])
}

// EnsureDirectories creates the config and state directories if missing.
func EnsureDirectories() error {
	for _, dir := range []string{Config.ConfigPath, Config.StatePath, GetLogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
