// Package config provides configuration parsing and validation for the
// DNSCrypt forwarder.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
	"gopkg.in/yaml.v3"
)

// Config represents the complete forwarder configuration.
type Config struct {
	// ListenAddrs are the host:port pairs the forwarder accepts DNSCrypt
	// queries on, each bound for both UDP and TCP.
	ListenAddrs []string `yaml:"listen_addrs"`

	// ExternalAddr, if set, is the local source IP used for connections
	// to the upstream resolver and the TLS upstream.
	ExternalAddr string `yaml:"external_addr"`

	// UpstreamAddr is the plaintext resolver queries are forwarded to.
	UpstreamAddr string `yaml:"upstream_addr"`

	// TLSUpstreamAddr, if set, is where TCP connections sniffed as a TLS
	// ClientHello are relayed instead of being treated as DNSCrypt queries.
	TLSUpstreamAddr string `yaml:"tls_upstream_addr"`

	// StateFile persists the provider seed and active certificate set
	// across restarts.
	StateFile string `yaml:"state_file"`

	// ProviderName is the DNSCrypt provider name clients query for
	// certificates, e.g. "2.dnscrypt.example.com". Parse prepends
	// "2.dnscrypt." when the name lacks that prefix.
	ProviderName string `yaml:"provider_name"`

	// ProviderKeyFile holds the Ed25519 seed for the provider's signing
	// key. Generated by "dnscryptd init" if it doesn't exist.
	ProviderKeyFile string `yaml:"provider_key_file"`

	UDPTimeout time.Duration `yaml:"udp_timeout"`
	TCPTimeout time.Duration `yaml:"tcp_timeout"`

	UDPMaxActiveConnections int `yaml:"udp_max_active_connections"`
	TCPMaxActiveConnections int `yaml:"tcp_max_active_connections"`

	// Ciphers lists which AEAD constructions to mint certificates for:
	// "xsalsa20poly1305" and/or "xchacha20poly1305".
	Ciphers []string `yaml:"ciphers"`

	CertLifetimeSeconds int `yaml:"cert_lifetime_seconds"`
	CertOverlapSeconds  int `yaml:"cert_overlap_seconds"`

	// User/Group/Chroot configure the privilege drop performed after
	// binding listen sockets. Nothing is dropped unless User is set; then
	// an empty Group means the user's primary group and an empty Chroot
	// skips the chroot.
	User   string `yaml:"user"`
	Group  string `yaml:"group"`
	Chroot string `yaml:"chroot"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsListenAddr, if set, serves Prometheus metrics at /metrics.
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddrs:             []string{"0.0.0.0:443"},
		UpstreamAddr:            "127.0.0.1:53",
		StateFile:               "./dnscryptd-state.yaml",
		ProviderKeyFile:         "./dnscryptd-provider.key",
		UDPTimeout:              5 * time.Second,
		TCPTimeout:              10 * time.Second,
		UDPMaxActiveConnections: 10000,
		TCPMaxActiveConnections: 1000,
		Ciphers:                 []string{"xsalsa20poly1305", "xchacha20poly1305"},
		CertLifetimeSeconds:     86400,
		CertOverlapSeconds:      3600,
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default and
// validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.ProviderName = NormalizeProviderName(cfg.ProviderName)
	return cfg, nil
}

// providerNamePrefix is the DNSCrypt protocol prefix every provider name
// must carry; names that omit it get it prepended automatically.
const providerNamePrefix = "2.dnscrypt."

// NormalizeProviderName prepends providerNamePrefix unless name already
// carries it.
func NormalizeProviderName(name string) string {
	if strings.HasPrefix(name, providerNamePrefix) {
		return name
	}
	return providerNamePrefix + name
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR}, ${VAR:-default} and $VAR references with
// their environment values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if len(c.ListenAddrs) == 0 {
		errs = append(errs, "listen_addrs must contain at least one address")
	}
	for i, addr := range c.ListenAddrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("listen_addrs[%d]: %v", i, err))
		}
	}

	if c.UpstreamAddr == "" {
		errs = append(errs, "upstream_addr is required")
	} else if _, _, err := net.SplitHostPort(c.UpstreamAddr); err != nil {
		errs = append(errs, fmt.Sprintf("upstream_addr: %v", err))
	}

	if c.TLSUpstreamAddr != "" {
		if _, _, err := net.SplitHostPort(c.TLSUpstreamAddr); err != nil {
			errs = append(errs, fmt.Sprintf("tls_upstream_addr: %v", err))
		}
	}

	if c.ProviderName == "" {
		errs = append(errs, "provider_name is required")
	}
	if c.StateFile == "" {
		errs = append(errs, "state_file is required")
	}
	if c.ProviderKeyFile == "" {
		errs = append(errs, "provider_key_file is required")
	}

	if len(c.Ciphers) == 0 {
		errs = append(errs, "ciphers must list at least one cipher")
	}
	for i, name := range c.Ciphers {
		if _, err := cipherFromName(name); err != nil {
			errs = append(errs, fmt.Sprintf("ciphers[%d]: %v", i, err))
		}
	}

	if c.UDPTimeout <= 0 {
		errs = append(errs, "udp_timeout must be positive")
	}
	if c.TCPTimeout <= 0 {
		errs = append(errs, "tcp_timeout must be positive")
	}
	if c.UDPMaxActiveConnections <= 0 {
		errs = append(errs, "udp_max_active_connections must be positive")
	}
	if c.TCPMaxActiveConnections <= 0 {
		errs = append(errs, "tcp_max_active_connections must be positive")
	}

	if c.CertLifetimeSeconds <= 0 {
		errs = append(errs, "cert_lifetime_seconds must be positive")
	}
	if c.CertOverlapSeconds < 3600 {
		errs = append(errs, "cert_overlap_seconds must be at least 3600")
	}

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if (c.User != "" || c.Group != "") && c.Chroot != "" {
		if _, err := os.Stat(c.Chroot); err != nil {
			errs = append(errs, fmt.Sprintf("chroot: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

func cipherFromName(name string) (crypto.Cipher, error) {
	switch strings.ToLower(name) {
	case "xsalsa20poly1305":
		return crypto.CipherXSalsa20Poly1305, nil
	case "xchacha20poly1305":
		return crypto.CipherXChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("unknown cipher %q (want xsalsa20poly1305 or xchacha20poly1305)", name)
	}
}

// ResolveCiphers converts the configured cipher names to crypto.Cipher
// values. Callers should call Validate first, which already checks every
// name resolves.
func (c *Config) ResolveCiphers() ([]crypto.Cipher, error) {
	ciphers := make([]crypto.Cipher, 0, len(c.Ciphers))
	for _, name := range c.Ciphers {
		cipher, err := cipherFromName(name)
		if err != nil {
			return nil, err
		}
		ciphers = append(ciphers, cipher)
	}
	return ciphers, nil
}

// ResolveListenAddrsUDP resolves ListenAddrs as UDP addresses.
func (c *Config) ResolveListenAddrsUDP() ([]*net.UDPAddr, error) {
	addrs := make([]*net.UDPAddr, 0, len(c.ListenAddrs))
	for _, a := range c.ListenAddrs {
		addr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			return nil, fmt.Errorf("resolve udp listen addr %q: %w", a, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// ResolveListenAddrsTCP resolves ListenAddrs as TCP addresses.
func (c *Config) ResolveListenAddrsTCP() ([]*net.TCPAddr, error) {
	addrs := make([]*net.TCPAddr, 0, len(c.ListenAddrs))
	for _, a := range c.ListenAddrs {
		addr, err := net.ResolveTCPAddr("tcp", a)
		if err != nil {
			return nil, fmt.Errorf("resolve tcp listen addr %q: %w", a, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// ResolveUpstreamAddr resolves UpstreamAddr as both UDP and TCP addresses,
// since the forwarder speaks both to the same resolver.
func (c *Config) ResolveUpstreamAddr() (udp *net.UDPAddr, tcp *net.TCPAddr, err error) {
	udp, err = net.ResolveUDPAddr("udp", c.UpstreamAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve upstream udp addr: %w", err)
	}
	tcp, err = net.ResolveTCPAddr("tcp", c.UpstreamAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve upstream tcp addr: %w", err)
	}
	return udp, tcp, nil
}

// ResolveTLSUpstreamAddr resolves TLSUpstreamAddr, returning nil if unset.
func (c *Config) ResolveTLSUpstreamAddr() (*net.TCPAddr, error) {
	if c.TLSUpstreamAddr == "" {
		return nil, nil
	}
	addr, err := net.ResolveTCPAddr("tcp", c.TLSUpstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve tls upstream addr: %w", err)
	}
	return addr, nil
}
