// Package config loads and validates the broker's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medivault/lifeline/internal/adapter"
)

// Config represents the top-level lifeline configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Storage   StorageConfig   `yaml:"storage"`
	Vaults    []VaultConfig   `yaml:"vaults"`
	Windows   WindowsConfig   `yaml:"windows"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	RetrieveRPM     int        `yaml:"retrieve_rpm"`
	RequestsRPM     int        `yaml:"requests_rpm"`
	CORS            CORSConfig `yaml:"cors"`
	TLS             TLSConfig  `yaml:"tls"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// TLSConfig controls TLS termination at the server level.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig controls API authentication. Keys are stored as SHA-256 hex
// digests of the raw key, never the raw key itself.
type AuthConfig struct {
	APIKeyHeader string      `yaml:"api_key_header"`
	Keys         []APIKeyRef `yaml:"keys"`
}

// APIKeyRef names one caller and the hash of its key.
type APIKeyRef struct {
	ID      string `yaml:"id"`
	KeyHash string `yaml:"key_hash"`
}

// CryptoConfig points at the broker's key material on disk.
type CryptoConfig struct {
	TokenKeyFile  string        `yaml:"token_key_file"`
	MasterKeyFile string        `yaml:"master_key_file"`
	Approvers     []ApproverRef `yaml:"approvers"`
}

// ApproverRef names one vault owner and their Ed25519 public key.
type ApproverRef struct {
	ID            string `yaml:"id"`
	PublicKeyFile string `yaml:"public_key_file"`
}

// StorageConfig controls the sqlite data directory. Empty means in-memory,
// which only makes sense in tests.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// VaultConfig binds a vault id to the adapter kind and backend target that
// serve it.
type VaultConfig struct {
	ID     string       `yaml:"id"`
	Kind   string       `yaml:"kind"`
	Target TargetConfig `yaml:"target"`
}

// TargetConfig mirrors adapter.TargetConfig in YAML-friendly form.
type TargetConfig struct {
	Host    string            `yaml:"host"`
	Port    int               `yaml:"port"`
	UseTLS  bool              `yaml:"use_tls"`
	Timeout string            `yaml:"timeout"`
	Options map[string]string `yaml:"options"`
}

// WindowsConfig overrides the approval SLA windows.
type WindowsConfig struct {
	Request   string `yaml:"request"`
	Emergency string `yaml:"emergency"`
}

// SchedulerConfig controls the background sweeps.
type SchedulerConfig struct {
	ExpirySweep string `yaml:"expiry_sweep"`
	NoncePurge  string `yaml:"nonce_purge"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			RetrieveRPM:     30,
			RequestsRPM:     120,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST"},
			},
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		Windows: WindowsConfig{
			Request:   "120s",
			Emergency: "15m",
		},
		Scheduler: SchedulerConfig{
			ExpirySweep: "10s",
			NoncePurge:  "1m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls requires cert_file and key_file")
	}
	seen := make(map[string]bool, len(c.Vaults))
	for _, v := range c.Vaults {
		if v.ID == "" {
			return fmt.Errorf("vault with empty id")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate vault id %q", v.ID)
		}
		seen[v.ID] = true
		if v.Kind == "" {
			return fmt.Errorf("vault %q has no adapter kind", v.ID)
		}
		if _, err := v.Target.duration(); err != nil {
			return fmt.Errorf("vault %q: %w", v.ID, err)
		}
	}
	for _, k := range c.Auth.Keys {
		if k.ID == "" || len(k.KeyHash) != 64 {
			return fmt.Errorf("auth key %q must carry a sha256 hex key_hash", k.ID)
		}
	}
	for _, field := range []struct {
		name, val string
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"windows.request", c.Windows.Request},
		{"windows.emergency", c.Windows.Emergency},
		{"scheduler.expiry_sweep", c.Scheduler.ExpirySweep},
		{"scheduler.nonce_purge", c.Scheduler.NoncePurge},
	} {
		if field.val == "" {
			continue
		}
		if _, err := time.ParseDuration(field.val); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

// ResolveVault implements service.VaultResolver.
func (c *Config) ResolveVault(vaultID string) (string, bool) {
	for _, v := range c.Vaults {
		if v.ID == vaultID {
			return v.Kind, true
		}
	}
	return "", false
}

// ResolveTarget implements service.TargetResolver.
func (c *Config) ResolveTarget(vaultID string) (adapter.TargetConfig, bool) {
	for _, v := range c.Vaults {
		if v.ID == vaultID {
			tc := v.Target.toAdapter()
			tc.Kind = v.Kind
			return tc, true
		}
	}
	return adapter.TargetConfig{}, false
}

// Duration parses a duration field, falling back when it is empty or bad.
func Duration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (t TargetConfig) duration() (time.Duration, error) {
	if t.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 0, fmt.Errorf("target timeout: %w", err)
	}
	return d, nil
}

func (t TargetConfig) toAdapter() adapter.TargetConfig {
	timeout, _ := t.duration()
	return adapter.TargetConfig{
		Host:    t.Host,
		Port:    t.Port,
		UseTLS:  t.UseTLS,
		Timeout: timeout,
		Options: t.Options,
	}
}
