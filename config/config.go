// Package config loads the gateway configuration from YAML or TOML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for both YAML and TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
	LogLevel     string `yaml:"log_level" toml:"log_level"`
}

type ProtocolConfig struct {
	ReplayWindow Duration `yaml:"replay_window" toml:"replay_window"`
	QuoteTTL     Duration `yaml:"quote_ttl" toml:"quote_ttl"`
}

type RateLimitConfig struct {
	Enabled       bool    `yaml:"enabled" toml:"enabled"`
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// ChainEndpoint is the JSON-RPC node used to settle payments on one chain.
type ChainEndpoint struct {
	ChainID uint64 `yaml:"chain_id" toml:"chain_id"`
	RPCURL  string `yaml:"rpc_url" toml:"rpc_url"`
}

// ExecutorConfig enables autonomous settlement. An empty KeyRef disables it.
type ExecutorConfig struct {
	KeyRef    string          `yaml:"key_ref" toml:"key_ref"`
	Endpoints []ChainEndpoint `yaml:"endpoints" toml:"endpoints"`
}

type BudgetConfig struct {
	PolicyFile string `yaml:"policy_file" toml:"policy_file"`
}

type PlatformConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Description string `yaml:"description" toml:"description"`
	Version     string `yaml:"version" toml:"version"`
	// SigningKeyRef signs the published agent card when set.
	SigningKeyRef string `yaml:"signing_key_ref" toml:"signing_key_ref"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	Traces   bool   `yaml:"traces" toml:"traces"`
}

type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Config is the full gateway configuration.
type Config struct {
	Env          string          `yaml:"env" toml:"env"`
	Listen       string          `yaml:"listen" toml:"listen"`
	BaseURL      string          `yaml:"base_url" toml:"base_url"`
	ReadTimeout  Duration        `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout Duration        `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout  Duration        `yaml:"idle_timeout" toml:"idle_timeout"`
	CORSOrigins  []string        `yaml:"cors_origins" toml:"cors_origins"`
	Database     DatabaseConfig  `yaml:"database" toml:"database"`
	Protocol     ProtocolConfig  `yaml:"protocol" toml:"protocol"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Executor     ExecutorConfig  `yaml:"executor" toml:"executor"`
	Budget       BudgetConfig    `yaml:"budget" toml:"budget"`
	Platform     PlatformConfig  `yaml:"platform" toml:"platform"`
	Telemetry    TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Log          LogConfig       `yaml:"log" toml:"log"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Env:          "dev",
		Listen:       ":8080",
		BaseURL:      "http://localhost:8080",
		ReadTimeout:  Duration{15 * time.Second},
		WriteTimeout: Duration{30 * time.Second},
		IdleTimeout:  Duration{120 * time.Second},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:a2a.db?_pragma=busy_timeout(5000)",
		},
		Protocol: ProtocolConfig{
			ReplayWindow: Duration{5 * time.Minute},
			QuoteTTL:     Duration{60 * time.Second},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RatePerSecond: 5,
			Burst:         20,
		},
		Platform: PlatformConfig{
			Name:    "A2A Payment Gateway",
			Version: "1.0.0",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (YAML unless it ends in .toml), applies environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config: unknown key %s", undecoded[0])
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("A2A_ENV", &cfg.Env)
	str("A2A_LISTEN", &cfg.Listen)
	str("A2A_BASE_URL", &cfg.BaseURL)
	str("A2A_DATABASE_DRIVER", &cfg.Database.Driver)
	str("A2A_DATABASE_DSN", &cfg.Database.DSN)
	str("A2A_EXECUTOR_KEY_REF", &cfg.Executor.KeyRef)
	str("A2A_LOG_LEVEL", &cfg.Log.Level)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("OTEL_EXPORTER_OTLP_HEADERS", &cfg.Telemetry.Headers)
	if v, ok := lookup("A2A_REPLAY_WINDOW_SECONDS"); ok && strings.TrimSpace(v) != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse A2A_REPLAY_WINDOW_SECONDS: %w", err)
		}
		cfg.Protocol.ReplayWindow = Duration{time.Duration(secs) * time.Second}
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_INSECURE"); ok && strings.TrimSpace(v) != "" {
		insecure, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Telemetry.Insecure = insecure
	}
	return nil
}

// RPCURLs maps chain ids to their configured node URLs.
func (cfg Config) RPCURLs() map[uint64]string {
	out := make(map[uint64]string, len(cfg.Executor.Endpoints))
	for _, ep := range cfg.Executor.Endpoints {
		out[ep.ChainID] = ep.RPCURL
	}
	return out
}

// AutoExecute reports whether the platform settles payments itself.
func (cfg Config) AutoExecute() bool {
	return strings.TrimSpace(cfg.Executor.KeyRef) != ""
}
