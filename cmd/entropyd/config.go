// config.go - Configuration management for the entropy engine daemon
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Oracle modes
const (
	OracleEmbedded = "embedded"
	OracleRemote   = "remote"
)

// Config represents the daemon configuration
type Config struct {
	// Engine
	EngineID   string `json:"engine_id" yaml:"engine_id"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// Randomness provider
	OracleMode        string `json:"oracle_mode" yaml:"oracle_mode"`
	OracleID          string `json:"oracle_id" yaml:"oracle_id"`
	OracleListenAddr  string `json:"oracle_listen_addr" yaml:"oracle_listen_addr"`
	OracleURL         string `json:"oracle_url" yaml:"oracle_url"`
	OraclePublicKey   string `json:"oracle_public_key" yaml:"oracle_public_key"`
	OracleSigningKey  string `json:"oracle_signing_key" yaml:"oracle_signing_key"`
	OracleFee         uint64 `json:"oracle_fee" yaml:"oracle_fee"`
	FulfillIntervalMs int    `json:"fulfill_interval_ms" yaml:"fulfill_interval_ms"`
	FulfillDelayMs    int    `json:"fulfill_delay_ms" yaml:"fulfill_delay_ms"`

	// File paths
	KeyDir      string `json:"key_dir" yaml:"key_dir"`
	JournalPath string `json:"journal_path" yaml:"journal_path"`

	// PostgreSQL; when set, replaces the in-memory request table and journal
	DatabaseURL string `json:"database_url" yaml:"database_url"`

	// Logging
	LogLevel     string `json:"log_level" yaml:"log_level"`
	LogFile      string `json:"log_file" yaml:"log_file"`
	EnableAudit  bool   `json:"enable_audit" yaml:"enable_audit"`
	AuditLogPath string `json:"audit_log_path" yaml:"audit_log_path"`

	// Rate limiting per principal
	RateLimitBurst         int `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	RateLimitRefill        int `json:"rate_limit_refill" yaml:"rate_limit_refill"`
	RateLimitPeriodSeconds int `json:"rate_limit_period_seconds" yaml:"rate_limit_period_seconds"`

	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		EngineID:               "engine-1",
		ListenAddr:             "127.0.0.1:8080",
		OracleMode:             OracleEmbedded,
		OracleID:               "oracle-1",
		OracleListenAddr:       "127.0.0.1:8081",
		OracleFee:              10,
		FulfillIntervalMs:      500,
		FulfillDelayMs:         2000,
		KeyDir:                 "keys",
		JournalPath:            "journal.json",
		LogLevel:               "info",
		LogFile:                "entropyd.log",
		EnableAudit:            true,
		AuditLogPath:           "audit.log",
		RateLimitBurst:         20,
		RateLimitRefill:        5,
		RateLimitPeriodSeconds: 1,
		TimeoutSeconds:         30,
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads configuration from path, or writes and returns the defaults when the file
// does not exist. Files ending in .yaml or .yml are YAML, anything else JSON. Fields absent
// from the file keep their default values.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		config := DefaultConfig()
		if err := SaveConfig(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(configPath) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(configPath) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(configPath, data, 0o600)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.EngineID == "" {
		return fmt.Errorf("engine_id is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.OracleID == "" {
		return fmt.Errorf("oracle_id is required")
	}
	switch c.OracleMode {
	case OracleEmbedded:
		if c.FulfillIntervalMs <= 0 {
			return fmt.Errorf("fulfill_interval_ms must be positive")
		}
		if c.FulfillDelayMs < 0 {
			return fmt.Errorf("fulfill_delay_ms must not be negative")
		}
	case OracleRemote:
		if c.OracleURL == "" {
			return fmt.Errorf("oracle_url is required in remote mode")
		}
		if c.OraclePublicKey == "" {
			return fmt.Errorf("oracle_public_key is required in remote mode")
		}
	default:
		return fmt.Errorf("oracle_mode must be %q or %q", OracleEmbedded, OracleRemote)
	}
	if c.RateLimitBurst <= 0 || c.RateLimitRefill <= 0 || c.RateLimitPeriodSeconds <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) fulfillInterval() time.Duration {
	return time.Duration(c.FulfillIntervalMs) * time.Millisecond
}

func (c *Config) fulfillDelay() time.Duration {
	return time.Duration(c.FulfillDelayMs) * time.Millisecond
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
