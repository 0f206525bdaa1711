// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package config loads hub configuration from three layers: built-in
// defaults, an optional YAML file, and CASEWIRE_-prefixed environment
// variables, each layer overriding the one below it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/casewire/config.yaml",
	"/etc/casewire/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CASEWIRE_CONFIG_PATH"

// envPrefix namespaces all environment overrides, e.g.
// CASEWIRE_SERVER_PORT=8080 sets server.port.
const envPrefix = "CASEWIRE_"

// Config holds the full hub configuration. Immutable after Load and safe
// for concurrent reads.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Store    StoreConfig    `koanf:"store"`
	NATS     NATSConfig     `koanf:"nats"`
	Presence PresenceConfig `koanf:"presence"`
	API      APIConfig      `koanf:"api"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SecurityConfig holds token verification settings. The hub verifies
// tokens minted by the main application; it never issues them.
type SecurityConfig struct {
	TokenSecret string `koanf:"token_secret"`
}

// StoreConfig holds the durable store settings.
type StoreConfig struct {
	Dir               string        `koanf:"dir"`
	InMemory          bool          `koanf:"in_memory"`
	NotificationTTL   time.Duration `koanf:"notification_ttl"`
	ActivityRetention time.Duration `koanf:"activity_retention"`
	PruneInterval     time.Duration `koanf:"prune_interval"`
}

// NATSConfig holds the optional cross-instance event relay settings.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// PresenceConfig holds presence state machine timeouts.
type PresenceConfig struct {
	AwayTimeout         time.Duration `koanf:"away_timeout"`
	OfflineGrace        time.Duration `koanf:"offline_grace"`
	SweepInterval       time.Duration `koanf:"sweep_interval"`
	TypingSweepInterval time.Duration `koanf:"typing_sweep_interval"`
}

// APIConfig holds pagination bounds for the REST surface.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before the config
// file and environment layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8420,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Security: SecurityConfig{
			TokenSecret: "",
		},
		Store: StoreConfig{
			Dir:               "/data/casewire",
			InMemory:          false,
			NotificationTTL:   30 * 24 * time.Hour,
			ActivityRetention: 90 * 24 * time.Hour,
			PruneInterval:     time.Hour,
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Subject: "casewire.events",
		},
		Presence: PresenceConfig{
			AwayTimeout:         60 * time.Second,
			OfflineGrace:        10 * time.Second,
			SweepInterval:       15 * time.Second,
			TypingSweepInterval: 2 * time.Second,
		},
		API: APIConfig{
			DefaultPageSize: 50,
			MaxPageSize:     200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads configuration from defaults, then the config file, then the
// environment, and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// CORS origins arrive from the environment as one comma-separated
	// string; normalize before unmarshaling.
	if raw := k.String("server.cors_origins"); raw != "" && strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if err := k.Set("server.cors_origins", parts); err != nil {
			return nil, fmt.Errorf("failed to normalize cors origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps CASEWIRE_SECTION_SOME_KEY to section.some_key: the
// prefix is stripped, the name lowercased, and only the first underscore
// becomes a section separator.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	if len(c.Security.TokenSecret) < 32 {
		return fmt.Errorf("security.token_secret must be at least 32 characters (set CASEWIRE_SECURITY_TOKEN_SECRET)")
	}

	if !c.Store.InMemory && c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required unless store.in_memory is set")
	}
	if c.Store.ActivityRetention <= 0 {
		return fmt.Errorf("store.activity_retention must be positive")
	}
	if c.Store.PruneInterval <= 0 {
		return fmt.Errorf("store.prune_interval must be positive")
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when nats.enabled is set")
		}
		if c.NATS.Subject == "" {
			return fmt.Errorf("nats.subject is required when nats.enabled is set")
		}
	}

	if c.Presence.AwayTimeout <= 0 || c.Presence.OfflineGrace <= 0 {
		return fmt.Errorf("presence timeouts must be positive")
	}
	if c.Presence.SweepInterval <= 0 || c.Presence.TypingSweepInterval <= 0 {
		return fmt.Errorf("presence sweep intervals must be positive")
	}

	if c.API.DefaultPageSize < 1 || c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api page sizes invalid: default=%d max=%d", c.API.DefaultPageSize, c.API.MaxPageSize)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}
