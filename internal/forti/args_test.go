package forti

import (
	"reflect"
	"testing"

	"go.fortid.dev/fortid/internal/core"
)

func TestBuildArgvPasswordProfile(t *testing.T) {
	p := &core.Profile{
		Name:     "office",
		Host:     "vpn.example.com",
		Port:     443,
		Auth:     core.AuthPassword,
		Username: "jdoe",
	}

	argv := BuildArgv("openfortivpn", p, nil)
	want := []string{"openfortivpn", "vpn.example.com:443", "--username=jdoe"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv = %v, want %v", argv, want)
	}
}

func TestBuildArgvSAMLProfile(t *testing.T) {
	p := &core.Profile{
		Name: "corp",
		Host: "gw.example.com",
		Port: 10443,
		Auth: core.AuthSAML,
		// Username must not leak into SAML invocations
		Username:   "jdoe",
		Persistent: 30,
	}

	argv := BuildArgv("openfortivpn", p, nil)
	want := []string{"openfortivpn", "gw.example.com:10443", "--cookie-on-stdin", "--persistent=30"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv = %v, want %v", argv, want)
	}
}

func TestBuildArgvElevationPrefix(t *testing.T) {
	p := &core.Profile{
		Name:    "office",
		Host:    "vpn.example.com",
		Port:    443,
		Auth:    core.AuthPassword,
		Elevate: "sudo",
	}

	argv := BuildArgv("/usr/bin/openfortivpn", p, nil)
	if argv[0] != "sudo" || argv[1] != "/usr/bin/openfortivpn" {
		t.Errorf("elevation prefix missing: %v", argv)
	}
}

func TestBuildArgvCertAndExtraArgs(t *testing.T) {
	p := &core.Profile{
		Name:        "office",
		Host:        "vpn.example.com",
		Port:        443,
		Auth:        core.AuthPassword,
		TrustedCert: "deadbeef",
		ExtraArgs:   []string{"--pppd-accept-remote"},
	}
	certs := &CertFiles{Cert: "/tmp/c.pem", Key: "/tmp/k.pem"}

	argv := BuildArgv("openfortivpn", p, certs)
	want := []string{
		"openfortivpn", "vpn.example.com:443",
		"--trusted-cert=deadbeef",
		"--user-cert=/tmp/c.pem", "--user-key=/tmp/k.pem",
		"--pppd-accept-remote",
	}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv = %v, want %v", argv, want)
	}
}

func TestSignatureIsGatewayEndpoint(t *testing.T) {
	p := &core.Profile{Name: "office", Host: "vpn.example.com", Port: 443}
	if got := Signature(p); got != "vpn.example.com:443" {
		t.Errorf("Signature = %q", got)
	}
}
