// Package forti builds command lines for, and parses output from, the
// openfortivpn tunnel client.
package forti

import (
	"fmt"

	"go.fortid.dev/fortid/internal/core"
)

// BuildArgv returns the complete command line for a profile, including the
// elevation prefix when the profile asks for one. The first element is the
// binary to execute.
//
// Secrets never appear here: passwords are written to the client's pty when
// it prompts, and SAML cookies go over stdin via --cookie-on-stdin.
func BuildArgv(clientPath string, p *core.Profile, certs *CertFiles) []string {
	args := []string{clientPath, p.Address()}

	if p.Auth == core.AuthSAML {
		args = append(args, "--cookie-on-stdin")
	} else if p.Username != "" {
		args = append(args, "--username="+p.Username)
	}

	if p.Persistent > 0 {
		args = append(args, fmt.Sprintf("--persistent=%d", p.Persistent))
	}
	if p.TrustedCert != "" {
		args = append(args, "--trusted-cert="+p.TrustedCert)
	}
	if certs != nil {
		args = append(args, "--user-cert="+certs.Cert, "--user-key="+certs.Key)
	}

	args = append(args, p.ExtraArgs...)

	if p.Elevate != "" {
		args = append([]string{p.Elevate}, args...)
	}

	return args
}

// Signature returns the argv fragment used to recognize stray tunnel
// clients belonging to a profile: the gateway endpoint is unique enough
// and survives elevation wrappers.
func Signature(p *core.Profile) string {
	return p.Address()
}
