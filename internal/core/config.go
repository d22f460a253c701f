package core

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete fortid configuration
type Configuration struct {
	ConfigPath string // Directory containing fortid.hcl
	StatePath  string // Directory for the event journal and session logs
	LogLevel   string // Daemon log level: "debug", "info", "warn", "error"
	ClientPath string // Tunnel client binary (default "openfortivpn")
	Reconnect  ReconnectConfig
	Logs       LogsConfig
	SAML       SAMLConfig
	Profiles   map[string]*Profile // Profile definitions keyed by profile name
}

// ReconnectConfig controls the retry ladder for dropped sessions
type ReconnectConfig struct {
	Enabled        bool   // Enable/disable auto-reconnect
	InitialBackoff string // First retry delay
	MaxBackoff     string // Maximum delay between retries
	BackoffFactor  int    // Multiplier for each retry
	MaxRetries     int    // Give up after this many attempts (0 = unlimited)
	StableAfter    string // Connection age after which the retry counter resets
}

// LogsConfig controls per-session log file rotation
type LogsConfig struct {
	MaxSize int64 // Rotate a session log once it reaches this many bytes
	Keep    int   // Rotated files to keep per session
}

// SAMLConfig controls the redirect listener behavior shared by SAML profiles
type SAMLConfig struct {
	FallbackDelay string // Quiet window before binding the fixed fallback port
	AuthTimeout   string // Give up waiting for the browser callback after this long
	Browser       string // Browser command; empty means xdg-open
}

// Profile represents a single VPN gateway definition
type Profile struct {
	Name          string
	Host          string // Gateway host, without port
	Port          int    // Gateway port (default 443)
	Auth          string // "password" or "saml"
	Username      string
	Persistent    int              // Passed to the client as --persistent=<secs> when > 0
	AutoReconnect bool             // Reconnect automatically after unexpected exits
	Reconnect     *ReconnectConfig // Per-profile override, nil means use global
	Routes        []string         // CIDRs, bare IPs, hostnames, or URLs
	DNS           []string         // Per-link DNS server addresses
	DNSDomains    []string         // Per-link search domains
	SAMLPort      int              // Redirect listener port (default 8021)
	Browser       string           // Per-profile browser override
	BrowserArgs   []string
	TrustedCert   string // SHA256 gateway certificate pin, passed through
	Cert          *CertConfig
	OnConnect     string // Hook command, fire-and-forget
	OnDisconnect  string
	Elevate       string   // "sudo", "pkexec", or empty for none
	ExtraArgs     []string // Raw extra flags appended to the client argv
}

// CertConfig holds client certificate material for a profile. Either a
// PKCS#12 bundle (passphrase comes from the vault) or a PEM cert/key pair.
type CertConfig struct {
	PKCS12 string
	Cert   string
	Key    string
}

// Auth method names as they appear in profile blocks
const (
	AuthPassword = "password"
	AuthSAML     = "saml"
)

// HCL parsing structs

type hclConfig struct {
	LogLevel  string        `hcl:"log_level,optional"`
	Client    string        `hcl:"client,optional"`
	Reconnect *hclReconnect `hcl:"reconnect,block"`
	Logs      *hclLogs      `hcl:"logs,block"`
	SAML      *hclSAML      `hcl:"saml,block"`
	Profiles  []hclProfile  `hcl:"profile,block"`
}

type hclReconnect struct {
	Enabled        *bool  `hcl:"enabled,optional"`
	InitialBackoff string `hcl:"initial_backoff,optional"`
	MaxBackoff     string `hcl:"max_backoff,optional"`
	BackoffFactor  int    `hcl:"backoff_factor,optional"`
	MaxRetries     *int   `hcl:"max_retries,optional"`
	StableAfter    string `hcl:"stable_after,optional"`
}

type hclLogs struct {
	MaxSize int64 `hcl:"max_size,optional"`
	Keep    int   `hcl:"keep,optional"`
}

type hclSAML struct {
	FallbackDelay string `hcl:"fallback_delay,optional"`
	AuthTimeout   string `hcl:"auth_timeout,optional"`
	Browser       string `hcl:"browser,optional"`
}

type hclProfile struct {
	Name          string        `hcl:"name,label"`
	Host          string        `hcl:"host"`
	Port          int           `hcl:"port,optional"`
	Auth          string        `hcl:"auth,optional"`
	Username      string        `hcl:"username,optional"`
	Persistent    int           `hcl:"persistent,optional"`
	AutoReconnect *bool         `hcl:"auto_reconnect,optional"`
	Reconnect     *hclReconnect `hcl:"reconnect,block"`
	Routes        []string      `hcl:"routes,optional"`
	DNS           []string      `hcl:"dns,optional"`
	DNSDomains    []string      `hcl:"dns_domains,optional"`
	SAMLPort      int           `hcl:"saml_port,optional"`
	Browser       string        `hcl:"browser,optional"`
	BrowserArgs   []string      `hcl:"browser_args,optional"`
	TrustedCert   string        `hcl:"trusted_cert,optional"`
	Cert          *hclCert      `hcl:"cert,block"`
	OnConnect     string        `hcl:"on_connect,optional"`
	OnDisconnect  string        `hcl:"on_disconnect,optional"`
	Elevate       string        `hcl:"elevate,optional"`
	ExtraArgs     []string      `hcl:"extra_args,optional"`
}

type hclCert struct {
	PKCS12 string `hcl:"pkcs12,optional"`
	Cert   string `hcl:"cert,optional"`
	Key    string `hcl:"key,optional"`
}

// DurationOr parses a duration string, falling back when it is empty or
// malformed. Config durations are kept as strings so profiles can override
// them block by block.
func DurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	// Convert to our clean Configuration struct
	cfg := &Configuration{
		LogLevel:   hclCfg.LogLevel,
		ClientPath: hclCfg.Client,
		Profiles:   make(map[string]*Profile),
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ClientPath == "" {
		cfg.ClientPath = "openfortivpn"
	}

	cfg.Reconnect = convertReconnect(hclCfg.Reconnect, defaultReconnect())

	// Log rotation settings
	if hclCfg.Logs != nil {
		cfg.Logs = LogsConfig{
			MaxSize: hclCfg.Logs.MaxSize,
			Keep:    hclCfg.Logs.Keep,
		}
	}
	if cfg.Logs.MaxSize == 0 {
		cfg.Logs.MaxSize = 1 << 20
	}
	if cfg.Logs.Keep == 0 {
		cfg.Logs.Keep = 3
	}

	// SAML listener settings
	if hclCfg.SAML != nil {
		cfg.SAML = SAMLConfig{
			FallbackDelay: hclCfg.SAML.FallbackDelay,
			AuthTimeout:   hclCfg.SAML.AuthTimeout,
			Browser:       hclCfg.SAML.Browser,
		}
	}
	if cfg.SAML.FallbackDelay == "" {
		cfg.SAML.FallbackDelay = "2s"
	}
	if cfg.SAML.AuthTimeout == "" {
		cfg.SAML.AuthTimeout = "5m"
	}

	// Convert profile definitions
	for i := range hclCfg.Profiles {
		profile, err := convertProfile(&hclCfg.Profiles[i], cfg)
		if err != nil {
			return nil, err
		}
		if _, exists := cfg.Profiles[profile.Name]; exists {
			return nil, fmt.Errorf("duplicate profile %q", profile.Name)
		}
		cfg.Profiles[profile.Name] = profile
	}

	return cfg, nil
}

func defaultReconnect() ReconnectConfig {
	return ReconnectConfig{
		Enabled:        true,
		InitialBackoff: "5s",
		MaxBackoff:     "80s",
		BackoffFactor:  2,
		MaxRetries:     10,
		StableAfter:    "60s",
	}
}

// convertReconnect merges an HCL reconnect block over base, applying base
// values for anything the block leaves unset.
func convertReconnect(block *hclReconnect, base ReconnectConfig) ReconnectConfig {
	out := base
	if block == nil {
		return out
	}
	if block.Enabled != nil {
		out.Enabled = *block.Enabled
	}
	if block.InitialBackoff != "" {
		out.InitialBackoff = block.InitialBackoff
	}
	if block.MaxBackoff != "" {
		out.MaxBackoff = block.MaxBackoff
	}
	if block.BackoffFactor != 0 {
		out.BackoffFactor = block.BackoffFactor
	}
	if block.MaxRetries != nil {
		out.MaxRetries = *block.MaxRetries
	}
	if block.StableAfter != "" {
		out.StableAfter = block.StableAfter
	}
	return out
}

func convertProfile(src *hclProfile, cfg *Configuration) (*Profile, error) {
	p := &Profile{
		Name:         src.Name,
		Host:         src.Host,
		Port:         src.Port,
		Auth:         src.Auth,
		Username:     src.Username,
		Persistent:   src.Persistent,
		Routes:       src.Routes,
		DNS:          src.DNS,
		DNSDomains:   src.DNSDomains,
		SAMLPort:     src.SAMLPort,
		Browser:      src.Browser,
		BrowserArgs:  src.BrowserArgs,
		TrustedCert:  src.TrustedCert,
		OnConnect:    src.OnConnect,
		OnDisconnect: src.OnDisconnect,
		Elevate:      src.Elevate,
		ExtraArgs:    src.ExtraArgs,
	}

	if p.Name == "" {
		return nil, fmt.Errorf("profile with empty name")
	}
	if p.Host == "" {
		return nil, fmt.Errorf("profile %q: host is required", p.Name)
	}

	// host may carry host:port, normalize it
	if host, port, err := net.SplitHostPort(p.Host); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("profile %q: invalid port in host %q", p.Name, p.Host)
		}
		if p.Port != 0 && p.Port != n {
			return nil, fmt.Errorf("profile %q: port %d conflicts with host %q", p.Name, p.Port, p.Host)
		}
		p.Host = host
		p.Port = n
	}
	if p.Port == 0 {
		p.Port = 443
	}
	if p.Port < 1 || p.Port > 65535 {
		return nil, fmt.Errorf("profile %q: invalid port %d", p.Name, p.Port)
	}

	switch p.Auth {
	case "":
		p.Auth = AuthPassword
	case AuthPassword, AuthSAML:
	default:
		return nil, fmt.Errorf("profile %q: unknown auth method %q (want %q or %q)",
			p.Name, p.Auth, AuthPassword, AuthSAML)
	}

	switch p.Elevate {
	case "", "sudo", "pkexec":
	default:
		return nil, fmt.Errorf("profile %q: unknown elevate command %q (want \"sudo\" or \"pkexec\")",
			p.Name, p.Elevate)
	}

	if p.SAMLPort == 0 {
		p.SAMLPort = 8021
	}
	if p.SAMLPort < 1 || p.SAMLPort > 65535 {
		return nil, fmt.Errorf("profile %q: invalid saml_port %d", p.Name, p.SAMLPort)
	}

	if src.AutoReconnect != nil {
		p.AutoReconnect = *src.AutoReconnect
	} else {
		p.AutoReconnect = cfg.Reconnect.Enabled
	}
	if src.Reconnect != nil {
		merged := convertReconnect(src.Reconnect, cfg.Reconnect)
		p.Reconnect = &merged
	}

	if src.Cert != nil {
		p.Cert = &CertConfig{
			PKCS12: src.Cert.PKCS12,
			Cert:   src.Cert.Cert,
			Key:    src.Cert.Key,
		}
		if p.Cert.PKCS12 != "" && (p.Cert.Cert != "" || p.Cert.Key != "") {
			return nil, fmt.Errorf("profile %q: cert block takes either pkcs12 or cert/key, not both", p.Name)
		}
		if p.Cert.PKCS12 == "" && (p.Cert.Cert == "" || p.Cert.Key == "") {
			return nil, fmt.Errorf("profile %q: cert block needs both cert and key", p.Name)
		}
	}

	return p, nil
}

// ReconnectFor returns the effective reconnect settings for a profile,
// falling back to the global block when the profile has no override.
func (c *Configuration) ReconnectFor(name string) ReconnectConfig {
	if p, ok := c.Profiles[name]; ok && p.Reconnect != nil {
		return *p.Reconnect
	}
	return c.Reconnect
}

// ProfileNames returns all profile names, sorted.
func (c *Configuration) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Address returns the gateway endpoint as host:port.
func (p *Profile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// SAMLStartURL returns the appliance page that kicks off the SAML flow.
func (p *Profile) SAMLStartURL() string {
	return fmt.Sprintf("https://%s/remote/saml/start?redirect=1", p.Address())
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		ConfigPath: DefaultConfigPath(),
		StatePath:  DefaultStatePath(),
		LogLevel:   "info",
		ClientPath: "openfortivpn",
		Reconnect:  defaultReconnect(),
		Logs:       LogsConfig{MaxSize: 1 << 20, Keep: 3},
		SAML:       SAMLConfig{FallbackDelay: "2s", AuthTimeout: "5m"},
		Profiles:   make(map[string]*Profile),
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

// InitializeConfig loads the configuration from configPath, writing a
// commented default file on first run. The loaded configuration becomes
// the global Config.
func InitializeConfig(configPath, statePath string) error {
	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	if statePath == "" {
		statePath = DefaultStatePath()
	}

	filename := filepath.Join(configPath, ConfigFileName)
	if !ConfigExists(filename) {
		if err := os.MkdirAll(configPath, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := writeDefaultConfigFile(filename); err != nil {
			return err
		}
	}

	cfg, err := LoadConfig(filename)
	if err != nil {
		return err
	}
	cfg.ConfigPath = configPath
	cfg.StatePath = statePath
	Config = cfg
	return nil
}

// writeDefaultConfigFile writes a commented starter config.
func writeDefaultConfigFile(filename string) error {
	content := `# fortid configuration
# Profiles define Fortinet SSL-VPN gateways managed by the daemon.

# log_level = "info"
# client    = "openfortivpn"

reconnect {
  enabled         = true
  initial_backoff = "5s"
  max_backoff     = "80s"
  backoff_factor  = 2
  max_retries     = 10
  stable_after    = "60s"
}

# profile "corp" {
#   host      = "vpn.example.com:10443"
#   auth      = "saml"
#   saml_port = 8021
#   routes    = ["10.0.0.0/8", "gitlab.example.com"]
#   dns       = ["10.0.0.53"]
#   elevate   = "sudo"
# }
`
	if err := os.WriteFile(filename, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}
