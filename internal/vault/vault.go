// Package vault stores profile secrets in the OS keyring.
package vault

import (
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const (
	serviceName = "fortid"
)

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error
)

// initKeyring initializes the keyring with fallback options
func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		// On macOS, prioritize Keychain and don't include FileBackend fallback
		// to avoid the "No directory provided" error
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			// Allow multiple backends with priority order
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,      // macOS Keychain
				keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
				keyring.WinCredBackend,       // Windows Credential Manager
				keyring.PassBackend,          // Pass (password-store.org)
			},
		})
	})
	return ring, ringErr
}

// P12Key returns the vault key holding a profile's PKCS#12 passphrase.
func P12Key(profile string) string {
	return profile + ".p12"
}

// SetPassword stores a secret for the given profile
func SetPassword(profile, password string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	return kr.Set(keyring.Item{
		Key:  profile,
		Data: []byte(password),
	})
}

// GetPassword retrieves the secret stored for the given profile
// Returns empty string if no secret is stored
func GetPassword(profile string) (string, error) {
	kr, err := initKeyring()
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := kr.Get(profile)
	if err == keyring.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve password: %w", err)
	}
	return string(item.Data), nil
}

// DeletePassword removes the secret stored for the given profile
func DeletePassword(profile string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	err = kr.Remove(profile)
	if err == keyring.ErrKeyNotFound {
		return fmt.Errorf("no password stored for '%s'", profile)
	}
	return err
}

// HasPassword checks if a secret is stored for the given profile
func HasPassword(profile string) bool {
	kr, err := initKeyring()
	if err != nil {
		return false
	}

	_, err = kr.Get(profile)
	return err == nil
}

// Source adapts the package to the session registry's secret interface.
type Source struct{}

// Password returns the stored password for profile, empty when none is set.
func (Source) Password(profile string) (string, error) {
	return GetPassword(profile)
}
