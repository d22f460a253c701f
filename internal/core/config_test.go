package core

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "fortid.hcl")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadConfig(t *testing.T) {
	configPath := writeConfig(t, `# Test configuration
log_level = "debug"
client    = "/usr/local/bin/openfortivpn"

reconnect {
  enabled         = true
  initial_backoff = "5s"
  max_backoff     = "80s"
  backoff_factor  = 2
  max_retries     = 10
  stable_after    = "60s"
}

logs {
  max_size = 2097152
  keep     = 5
}

saml {
  fallback_delay = "3s"
  auth_timeout   = "10m"
  browser        = "firefox"
}

profile "corp" {
  host        = "vpn.example.com"
  port        = 10443
  auth        = "saml"
  saml_port   = 8021
  routes      = ["10.0.0.0/8", "gitlab.example.com"]
  dns         = ["10.0.0.53"]
  dns_domains = ["corp.example.com"]
  elevate     = "sudo"
}

profile "lab" {
  host       = "lab.example.com"
  auth       = "password"
  username   = "alice"
  persistent = 30

  reconnect {
    max_retries = 0
  }
}
`)

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load HCL config: %v", err)
	}

	if config.LogLevel != "debug" {
		t.Errorf("Expected log_level='debug', got %q", config.LogLevel)
	}
	if config.ClientPath != "/usr/local/bin/openfortivpn" {
		t.Errorf("Expected client='/usr/local/bin/openfortivpn', got %q", config.ClientPath)
	}

	// Verify reconnect settings
	if !config.Reconnect.Enabled {
		t.Error("Expected reconnect.enabled=true")
	}
	if config.Reconnect.InitialBackoff != "5s" {
		t.Errorf("Expected reconnect.initial_backoff='5s', got %q", config.Reconnect.InitialBackoff)
	}
	if config.Reconnect.MaxBackoff != "80s" {
		t.Errorf("Expected reconnect.max_backoff='80s', got %q", config.Reconnect.MaxBackoff)
	}
	if config.Reconnect.BackoffFactor != 2 {
		t.Errorf("Expected reconnect.backoff_factor=2, got %v", config.Reconnect.BackoffFactor)
	}
	if config.Reconnect.MaxRetries != 10 {
		t.Errorf("Expected reconnect.max_retries=10, got %v", config.Reconnect.MaxRetries)
	}
	if config.Reconnect.StableAfter != "60s" {
		t.Errorf("Expected reconnect.stable_after='60s', got %q", config.Reconnect.StableAfter)
	}

	// Verify log rotation settings
	if config.Logs.MaxSize != 2097152 {
		t.Errorf("Expected logs.max_size=2097152, got %v", config.Logs.MaxSize)
	}
	if config.Logs.Keep != 5 {
		t.Errorf("Expected logs.keep=5, got %v", config.Logs.Keep)
	}

	// Verify SAML settings
	if config.SAML.FallbackDelay != "3s" {
		t.Errorf("Expected saml.fallback_delay='3s', got %q", config.SAML.FallbackDelay)
	}
	if config.SAML.AuthTimeout != "10m" {
		t.Errorf("Expected saml.auth_timeout='10m', got %q", config.SAML.AuthTimeout)
	}
	if config.SAML.Browser != "firefox" {
		t.Errorf("Expected saml.browser='firefox', got %q", config.SAML.Browser)
	}

	// Verify profiles
	if len(config.Profiles) != 2 {
		t.Fatalf("Expected 2 profiles, got %d", len(config.Profiles))
	}

	corp, ok := config.Profiles["corp"]
	if !ok {
		t.Fatal("Expected to find 'corp' profile")
	}
	if corp.Host != "vpn.example.com" {
		t.Errorf("Expected host='vpn.example.com', got %q", corp.Host)
	}
	if corp.Port != 10443 {
		t.Errorf("Expected port=10443, got %d", corp.Port)
	}
	if corp.Auth != AuthSAML {
		t.Errorf("Expected auth='saml', got %q", corp.Auth)
	}
	if corp.SAMLPort != 8021 {
		t.Errorf("Expected saml_port=8021, got %d", corp.SAMLPort)
	}
	if len(corp.Routes) != 2 || corp.Routes[0] != "10.0.0.0/8" {
		t.Errorf("Unexpected routes: %v", corp.Routes)
	}
	if len(corp.DNS) != 1 || corp.DNS[0] != "10.0.0.53" {
		t.Errorf("Unexpected dns: %v", corp.DNS)
	}
	if corp.Elevate != "sudo" {
		t.Errorf("Expected elevate='sudo', got %q", corp.Elevate)
	}
	if corp.Address() != "vpn.example.com:10443" {
		t.Errorf("Address() = %q, want 'vpn.example.com:10443'", corp.Address())
	}

	lab, ok := config.Profiles["lab"]
	if !ok {
		t.Fatal("Expected to find 'lab' profile")
	}
	if lab.Auth != AuthPassword {
		t.Errorf("Expected auth='password', got %q", lab.Auth)
	}
	if lab.Username != "alice" {
		t.Errorf("Expected username='alice', got %q", lab.Username)
	}
	if lab.Persistent != 30 {
		t.Errorf("Expected persistent=30, got %d", lab.Persistent)
	}

	// Per-profile reconnect override: only max_retries diverges
	labReconnect := config.ReconnectFor("lab")
	if labReconnect.MaxRetries != 0 {
		t.Errorf("Expected lab max_retries=0, got %d", labReconnect.MaxRetries)
	}
	if labReconnect.InitialBackoff != "5s" {
		t.Errorf("Expected lab initial_backoff inherited as '5s', got %q", labReconnect.InitialBackoff)
	}
	corpReconnect := config.ReconnectFor("corp")
	if corpReconnect.MaxRetries != 10 {
		t.Errorf("Expected corp max_retries=10, got %d", corpReconnect.MaxRetries)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	configPath := writeConfig(t, `profile "minimal" {
  host = "vpn.example.com"
}
`)

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load HCL config: %v", err)
	}

	if config.LogLevel != "info" {
		t.Errorf("Expected default log_level='info', got %q", config.LogLevel)
	}
	if config.ClientPath != "openfortivpn" {
		t.Errorf("Expected default client='openfortivpn', got %q", config.ClientPath)
	}
	if config.Reconnect.InitialBackoff != "5s" {
		t.Errorf("Expected default initial_backoff='5s', got %q", config.Reconnect.InitialBackoff)
	}
	if config.Reconnect.MaxBackoff != "80s" {
		t.Errorf("Expected default max_backoff='80s', got %q", config.Reconnect.MaxBackoff)
	}
	if config.Reconnect.StableAfter != "60s" {
		t.Errorf("Expected default stable_after='60s', got %q", config.Reconnect.StableAfter)
	}
	if config.Logs.MaxSize != 1<<20 {
		t.Errorf("Expected default logs.max_size=1MiB, got %v", config.Logs.MaxSize)
	}
	if config.Logs.Keep != 3 {
		t.Errorf("Expected default logs.keep=3, got %v", config.Logs.Keep)
	}
	if config.SAML.FallbackDelay != "2s" {
		t.Errorf("Expected default fallback_delay='2s', got %q", config.SAML.FallbackDelay)
	}
	if config.SAML.AuthTimeout != "5m" {
		t.Errorf("Expected default auth_timeout='5m', got %q", config.SAML.AuthTimeout)
	}

	p := config.Profiles["minimal"]
	if p == nil {
		t.Fatal("Expected to find 'minimal' profile")
	}
	if p.Port != 443 {
		t.Errorf("Expected default port=443, got %d", p.Port)
	}
	if p.Auth != AuthPassword {
		t.Errorf("Expected default auth='password', got %q", p.Auth)
	}
	if p.SAMLPort != 8021 {
		t.Errorf("Expected default saml_port=8021, got %d", p.SAMLPort)
	}
	if !p.AutoReconnect {
		t.Error("Expected auto_reconnect to default to true")
	}
	if p.Elevate != "" {
		t.Errorf("Expected default elevate='', got %q", p.Elevate)
	}
}

func TestLoadConfig_HostPortNormalization(t *testing.T) {
	configPath := writeConfig(t, `profile "combined" {
  host = "vpn.example.com:10443"
}
`)

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load HCL config: %v", err)
	}

	p := config.Profiles["combined"]
	if p.Host != "vpn.example.com" {
		t.Errorf("Expected host normalized to 'vpn.example.com', got %q", p.Host)
	}
	if p.Port != 10443 {
		t.Errorf("Expected port=10443 from host, got %d", p.Port)
	}
}

func TestLoadConfig_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{
			name: "missing host",
			config: `profile "bad" {
  host = ""
}
`,
		},
		{
			name: "unknown auth method",
			config: `profile "bad" {
  host = "vpn.example.com"
  auth = "kerberos"
}
`,
		},
		{
			name: "unknown elevate command",
			config: `profile "bad" {
  host    = "vpn.example.com"
  elevate = "doas"
}
`,
		},
		{
			name: "conflicting ports",
			config: `profile "bad" {
  host = "vpn.example.com:10443"
  port = 443
}
`,
		},
		{
			name: "invalid saml_port",
			config: `profile "bad" {
  host      = "vpn.example.com"
  saml_port = 70000
}
`,
		},
		{
			name: "duplicate profile",
			config: `profile "dup" {
  host = "a.example.com"
}
profile "dup" {
  host = "b.example.com"
}
`,
		},
		{
			name: "cert block with pkcs12 and pem pair",
			config: `profile "bad" {
  host = "vpn.example.com"
  cert {
    pkcs12 = "/etc/fortid/corp.p12"
    cert   = "/etc/fortid/corp.pem"
  }
}
`,
		},
		{
			name: "cert block missing key",
			config: `profile "bad" {
  host = "vpn.example.com"
  cert {
    cert = "/etc/fortid/corp.pem"
  }
}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.config)
			if _, err := LoadConfig(configPath); err == nil {
				t.Error("Expected LoadConfig to reject config, got nil error")
			}
		})
	}
}

func TestInitializeConfig_WritesDefault(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config")
	statePath := filepath.Join(tmpDir, "state")

	if err := InitializeConfig(configPath, statePath); err != nil {
		t.Fatalf("InitializeConfig() error: %v", err)
	}

	// The generated file should exist and be parseable
	if !ConfigExists(filepath.Join(configPath, ConfigFileName)) {
		t.Fatal("Expected default config file to be written")
	}
	if Config == nil {
		t.Fatal("Expected global Config to be set")
	}
	if Config.ConfigPath != configPath {
		t.Errorf("Config.ConfigPath = %q, want %q", Config.ConfigPath, configPath)
	}
	if Config.StatePath != statePath {
		t.Errorf("Config.StatePath = %q, want %q", Config.StatePath, statePath)
	}
	if Config.Reconnect.MaxRetries != 10 {
		t.Errorf("Expected default max_retries=10, got %d", Config.Reconnect.MaxRetries)
	}
}

func TestProfileSAMLStartURL(t *testing.T) {
	p := &Profile{Host: "vpn.example.com", Port: 10443}
	want := "https://vpn.example.com:10443/remote/saml/start?redirect=1"
	if got := p.SAMLStartURL(); got != want {
		t.Errorf("SAMLStartURL() = %q, want %q", got, want)
	}
}
