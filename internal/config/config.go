// ABOUTME: Configuration loading and parsing for the ccshell relay.
// ABOUTME: Supports YAML files with environment variable expansion and defaults.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Models   ModelsConfig   `yaml:"models"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listen configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// ModelsConfig holds the model identifiers offered to clients.
type ModelsConfig struct {
	Default   string   `yaml:"default"`
	Available []string `yaml:"available"`
}

// RuntimeConfig holds agent-runtime integration settings.
type RuntimeConfig struct {
	// Binary is the agent CLI executable driven for each turn.
	Binary string `yaml:"binary"`
	// SessionDir is the runtime's transcript store; defaults to
	// ~/.claude/projects when empty.
	SessionDir string `yaml:"session_dir"`
}

// DatabaseConfig holds the usage ledger location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded, and
// missing fields receive defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:3001"
	}
	if c.Models.Default == "" {
		c.Models.Default = "claude-sonnet-4-6"
	}
	if len(c.Models.Available) == 0 {
		c.Models.Available = []string{"claude-sonnet-4-6", "claude-opus-4-1", "claude-haiku-4-5"}
	}
	if c.Runtime.Binary == "" {
		c.Runtime.Binary = "claude"
	}
	if c.Runtime.SessionDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Runtime.SessionDir = filepath.Join(home, ".claude", "projects")
		}
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// defaultDatabasePath resolves the usage ledger location.
// Priority: XDG_DATA_HOME/ccshell > ~/.local/share/ccshell.
func defaultDatabasePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "usage.db"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "ccshell", "usage.db")
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	if !contains(c.Models.Available, c.Models.Default) {
		return fmt.Errorf("models.default %q is not in models.available", c.Models.Default)
	}
	return nil
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
