package forti

import (
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"go.fortid.dev/fortid/internal/core"
)

// CertFiles points at the PEM-encoded client certificate material passed
// to the tunnel client.
type CertFiles struct {
	Cert string
	Key  string

	tempDir string // set when the files were unpacked from a PKCS#12 bundle
}

// Cleanup removes any temporary key material. Safe to call on nil and on
// pass-through PEM pairs.
func (c *CertFiles) Cleanup() {
	if c == nil || c.tempDir == "" {
		return
	}
	os.RemoveAll(c.tempDir)
}

// PrepareCerts materializes a profile's client certificate as the PEM
// cert/key pair the tunnel client expects. PEM pairs pass through
// untouched. PKCS#12 bundles are unpacked with the passphrase into a
// private temp dir which Cleanup removes after the client exits.
func PrepareCerts(p *core.Profile, passphrase string) (*CertFiles, error) {
	if p.Cert == nil {
		return nil, nil
	}
	if p.Cert.Cert != "" {
		return &CertFiles{Cert: p.Cert.Cert, Key: p.Cert.Key}, nil
	}

	data, err := os.ReadFile(p.Cert.PKCS12)
	if err != nil {
		return nil, fmt.Errorf("failed to read PKCS#12 bundle: %w", err)
	}

	blocks, err := pkcs12.ToPEM(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 bundle: %w", err)
	}

	var certPEM, keyPEM []byte
	for _, block := range blocks {
		// ToPEM leaves bag attributes in the headers; the client
		// chokes on them
		block.Headers = nil
		if strings.Contains(block.Type, "PRIVATE KEY") {
			keyPEM = append(keyPEM, pem.EncodeToMemory(block)...)
		} else if block.Type == "CERTIFICATE" {
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		}
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, fmt.Errorf("PKCS#12 bundle for '%s' is missing a certificate or key", p.Name)
	}

	dir, err := os.MkdirTemp("", "fortid-cert-")
	if err != nil {
		return nil, err
	}

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return &CertFiles{Cert: certPath, Key: keyPath, tempDir: dir}, nil
}
