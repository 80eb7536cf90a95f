package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/relaysock/server/internal/session"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Log     LogConfig     `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	Host           string   `yaml:"host" toml:"host"`
	Prefix         string   `yaml:"prefix" toml:"prefix"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
}

type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" toml:"disconnect_timeout"`
	// MaxResponseLength caps the bytes a streaming response carries before
	// the client is asked to reconnect.
	MaxResponseLength int64         `yaml:"max_response_length" toml:"max_response_length"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "console" or "json"
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:   8080,
			Host:   "0.0.0.0",
			Prefix: "/sock",
		},
		Session: SessionConfig{
			HeartbeatInterval: 25 * time.Second,
			DisconnectTimeout: 5 * time.Second,
			MaxResponseLength: 128 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Prefix != "" && !strings.HasPrefix(c.Server.Prefix, "/") {
		return fmt.Errorf("server.prefix %q must start with /", c.Server.Prefix)
	}
	if c.Session.HeartbeatInterval < 0 {
		return fmt.Errorf("session.heartbeat_interval must not be negative")
	}
	if c.Session.DisconnectTimeout <= 0 {
		return fmt.Errorf("session.disconnect_timeout must be positive")
	}
	return c.SessionOptions().Validate()
}

// SessionOptions converts the session section into core options.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		HeartbeatInterval: c.Session.HeartbeatInterval,
		DisconnectTimeout: c.Session.DisconnectTimeout,
		MaxResponseLength: c.Session.MaxResponseLength,
	}
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
