// Package config loads server configuration.
//
// Values come from a YAML file when one exists (with ${VAR} expansion), and
// from environment variables otherwise. Command-line flags are applied on top
// by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Transport string `yaml:"transport"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
}

type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig selects the zap preset. Format is "json" or "console".
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DefaultTransport = "http"
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 8012
	DefaultDBPath    = "/data/bolus-calc.db"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: DefaultTransport,
			Host:      DefaultHost,
			Port:      DefaultPort,
		},
		Storage: StorageConfig{DatabasePath: DefaultDBPath},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses the config file. Missing keys keep their defaults.
// The result is not validated; callers apply their overrides and then call
// Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv builds the configuration from environment variables only.
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: getEnv("BOLUS_TRANSPORT", DefaultTransport),
			Host:      getEnv("BOLUS_HOST", DefaultHost),
			Port:      getEnvInt("BOLUS_PORT", DefaultPort),
		},
		Storage: StorageConfig{
			DatabasePath: getEnv("BOLUS_DB_PATH", DefaultDBPath),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// LoadOrEnv loads path, falling back to the environment when the file is
// missing. A file that exists but cannot be parsed is an error.
func LoadOrEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) {
		return LoadFromEnv(), nil
	}
	return nil, err
}

func (c *Config) Validate() error {
	if c.Server.Transport != "http" {
		return fmt.Errorf("unsupported transport %q", c.Server.Transport)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
