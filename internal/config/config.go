// Package config implements the YAML configuration surface of spec.md
// §6, grounded on the teacher's DefaultConfig/LoadConfig/LoadOrCreateConfig/
// Validate pattern in relay/server/config.go and pkg/config/config.go,
// generalized from relay/TLS/identity settings to the wrapper server's
// listen addresses, correlator thresholds, and storage backends.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full recognized configuration surface of spec.md §6.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Limits   LimitsConfig   `yaml:"limits"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Labeler  LabelerConfig  `yaml:"labeler"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the wrapper and admin API listen settings.
type ServerConfig struct {
	WrapperHost      string `yaml:"wrapper_host"`
	WrapperPort      int    `yaml:"wrapper_port"`
	APIPort          int    `yaml:"api_port"`
	EnableEncryption bool   `yaml:"enable_encryption"`
	ProtocolInfoPath string `yaml:"protocol_info_path"`
}

// LimitsConfig holds the correlator and ingress tuning knobs of spec.md §6.
type LimitsConfig struct {
	HandshakeTimeoutSeconds     int     `yaml:"handshake_timeout_seconds"`
	QueueHighWaterMark          int     `yaml:"queue_high_water_mark"`
	CampaignMatchScoreThreshold float64 `yaml:"campaign_match_score_threshold"`
	CampaignOngoingTimeoutSec   int     `yaml:"campaign_ongoing_timeout_seconds"`
	TCPFlowTimeoutNS            int64   `yaml:"tcp_flow_timeout_ns"`
	ShutdownDrainTimeoutSeconds int     `yaml:"shutdown_drain_timeout_seconds"`
}

// DatabaseConfig holds Postgres connection settings, mirroring
// internal/repository.PostgresConfig.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds the session-dedup cache settings used by
// internal/acceptor, mirroring pkg/persistence.RedisCacheConfig.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LabelerConfig holds the external narrative-generation collaborator's
// HTTP endpoint settings.
type LabelerConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LoggingConfig mirrors the teacher's logging section, kept for parity
// even though the core itself logs via the standard log package.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WrapperHost:      "0.0.0.0",
			WrapperPort:      12345,
			APIPort:          12346,
			EnableEncryption: true,
			ProtocolInfoPath: "configs/protocols.json",
		},
		Limits: LimitsConfig{
			HandshakeTimeoutSeconds:     20,
			QueueHighWaterMark:          10000,
			CampaignMatchScoreThreshold: 70,
			CampaignOngoingTimeoutSec:   10,
			TCPFlowTimeoutNS:            120_000_000_000,
			ShutdownDrainTimeoutSeconds: 5,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "spearhead",
			DBName:  "spearhead",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    6379,
		},
		Labeler: LabelerConfig{
			TimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads and validates a YAML config file at path, starting
// from DefaultConfig so unset fields keep their default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOrCreateConfig loads path if it exists, otherwise writes and
// returns a fresh default config.
func LoadOrCreateConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadConfig(path)
	}

	cfg := DefaultConfig()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return cfg, nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks required fields and the ranges spec.md §6 implies.
func (c *Config) Validate() error {
	if c.Server.WrapperHost == "" {
		return fmt.Errorf("server.wrapper_host is required")
	}
	if c.Server.WrapperPort <= 0 || c.Server.WrapperPort > 65535 {
		return fmt.Errorf("server.wrapper_port must be a valid TCP port")
	}
	if c.Server.APIPort <= 0 || c.Server.APIPort > 65535 {
		return fmt.Errorf("server.api_port must be a valid TCP port")
	}
	if c.Server.ProtocolInfoPath == "" {
		return fmt.Errorf("server.protocol_info_path is required")
	}
	if c.Limits.QueueHighWaterMark < 1 {
		return fmt.Errorf("limits.queue_high_water_mark must be at least 1")
	}
	if c.Limits.CampaignMatchScoreThreshold < 0 || c.Limits.CampaignMatchScoreThreshold > 100 {
		return fmt.Errorf("limits.campaign_match_score_threshold must be between 0 and 100")
	}
	if c.Limits.CampaignOngoingTimeoutSec < 1 {
		return fmt.Errorf("limits.campaign_ongoing_timeout_seconds must be at least 1")
	}
	if c.Limits.TCPFlowTimeoutNS < 1 {
		return fmt.Errorf("limits.tcp_flow_timeout_ns must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: text, json")
	}

	return nil
}

// HandshakeTimeout returns the configured handshake deadline as a
// time.Duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Limits.HandshakeTimeoutSeconds) * time.Second
}

// CampaignOngoingTimeout returns the configured campaign inactivity
// window as a time.Duration.
func (c *Config) CampaignOngoingTimeout() time.Duration {
	return time.Duration(c.Limits.CampaignOngoingTimeoutSec) * time.Second
}

// ShutdownDrainTimeout returns the configured graceful-shutdown drain
// deadline as a time.Duration.
func (c *Config) ShutdownDrainTimeout() time.Duration {
	return time.Duration(c.Limits.ShutdownDrainTimeoutSeconds) * time.Second
}

// WrapperAddr returns the host:port the acceptor should listen on.
func (c *Config) WrapperAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.WrapperHost, c.Server.WrapperPort)
}

// APIAddr returns the host:port the admin API should bind.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.WrapperHost, c.Server.APIPort)
}
