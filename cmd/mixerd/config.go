// config.go - Configuration management for the mixer daemon
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the daemon configuration
type Config struct {
	// Pool settings
	TreeDepth    int    `json:"tree_depth"`
	Denomination string `json:"denomination"` // decimal, in the smallest unit

	// File paths
	StatePath string `json:"state_path"`
	KeyDir    string `json:"key_dir"`

	// Network
	ListenAddr string `json:"listen_addr"`

	// Logging
	LogLevel     string `json:"log_level"`
	LogFile      string `json:"log_file"`
	EnableAudit  bool   `json:"enable_audit"`
	AuditLogPath string `json:"audit_log_path"`

	// Rate limiting
	RateLimitTokens int `json:"rate_limit_tokens"`
	RateLimitRefill int `json:"rate_limit_refill_seconds"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		TreeDepth:       20,
		Denomination:    "1000000000000000000",
		StatePath:       "pool_state.json",
		KeyDir:          "keys",
		ListenAddr:      ":8545",
		LogLevel:        "info",
		LogFile:         "mixerd.log",
		EnableAudit:     true,
		AuditLogPath:    "audit.log",
		RateLimitTokens: 20,
		RateLimitRefill: 1,
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		var config Config
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return &config, nil
	}

	// Create default config and save it
	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.TreeDepth < 1 || c.TreeDepth >= 32 {
		return fmt.Errorf("tree_depth must be in [1, 32)")
	}
	if c.Denomination == "" {
		return fmt.Errorf("denomination must be set")
	}
	if c.StatePath == "" {
		return fmt.Errorf("state_path must be set")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.RateLimitTokens <= 0 {
		return fmt.Errorf("rate_limit_tokens must be positive")
	}
	if c.RateLimitRefill <= 0 {
		return fmt.Errorf("rate_limit_refill_seconds must be positive")
	}
	return nil
}
