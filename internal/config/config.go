// Package config loads and persists the daemon configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Defaults applied to absent fields.
const (
	DefaultControlPort   = 7530
	DefaultDiscoveryPort = 7001
	DefaultGatewayPort   = 8080
	DefaultKeepVersions  = 5
	DefaultDockerImage   = "debian:bookworm-slim"
	DefaultLogLevel      = "info"
)

// Environment variables overriding the TLS file paths. They take precedence
// over the config file so operators can swap certificates without editing
// it.
const (
	EnvTLSCertFile = "SPARK_TLS_CERT_FILE"
	EnvTLSKeyFile  = "SPARK_TLS_KEY_FILE"
)

// Config is the daemon configuration, stored as JSON.
type Config struct {
	DeviceName    string `json:"device_name"`
	DataDir       string `json:"data_dir"`       // base directory for apps, certs and tokens
	ControlPort   int    `json:"control_port"`   // TLS control connection listener
	DiscoveryPort int    `json:"discovery_port"` // UDP discovery responder
	GatewayPort   int    `json:"gateway_port"`   // virtual-host HTTP gateway
	KeepVersions  int    `json:"keep_versions"`  // retained versions per app
	TLSCertFile   string `json:"tls_cert_file,omitempty"`
	TLSKeyFile    string `json:"tls_key_file,omitempty"`
	DockerImage   string `json:"docker_image,omitempty"` // base image for docker isolation
	LogLevel      string `json:"log_level,omitempty"`
}

// Load reads the configuration file, applying defaults and environment
// overrides. A missing file yields a pure-default configuration.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the configuration as indented JSON, creating the directory
// when needed.
func Save(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.DeviceName = host
		} else {
			c.DeviceName = "spark-device"
		}
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/sparkle"
	}
	if c.ControlPort == 0 {
		c.ControlPort = DefaultControlPort
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.GatewayPort == 0 {
		c.GatewayPort = DefaultGatewayPort
	}
	if c.KeepVersions == 0 {
		c.KeepVersions = DefaultKeepVersions
	}
	if c.DockerImage == "" {
		c.DockerImage = DefaultDockerImage
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if v := os.Getenv(EnvTLSCertFile); v != "" {
		c.TLSCertFile = v
	}
	if v := os.Getenv(EnvTLSKeyFile); v != "" {
		c.TLSKeyFile = v
	}
}

// AppsDir is where application versions live.
func (c *Config) AppsDir() string { return filepath.Join(c.DataDir, "apps") }

// TokenFile is where the hashed auth token is stored.
func (c *Config) TokenFile() string { return filepath.Join(c.DataDir, "token") }

// CertFile returns the TLS certificate path, generated under the data
// directory unless overridden.
func (c *Config) CertFile() string {
	if c.TLSCertFile != "" {
		return c.TLSCertFile
	}
	return filepath.Join(c.DataDir, "certs", "server.crt")
}

// KeyFile returns the TLS key path, generated under the data directory
// unless overridden.
func (c *Config) KeyFile() string {
	if c.TLSKeyFile != "" {
		return c.TLSKeyFile
	}
	return filepath.Join(c.DataDir, "certs", "server.key")
}
