// Package config loads the application configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Session   SessionConfig   `mapstructure:"session"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// DatabaseConfig holds the session store configuration
type DatabaseConfig struct {
	Path          string        `mapstructure:"path"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// TemplatesConfig locates the task template files
type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

// SessionConfig holds session lifecycle configuration
type SessionConfig struct {
	// Retention is how long idle sessions are kept. Values below the
	// engine's floor are clamped up at wiring time.
	Retention time.Duration `mapstructure:"retention"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load reads the configuration file, applying defaults and environment
// overrides
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("taskguide")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("database.path", "data/sessions.db")
	viper.SetDefault("database.retry_attempts", 3)
	viper.SetDefault("database.retry_backoff", 100*time.Millisecond)

	viper.SetDefault("templates.dir", "templates")

	viper.SetDefault("session.retention", 30*24*time.Hour)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "console")
}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Database.RetryAttempts < 1 {
		return fmt.Errorf("database.retry_attempts must be at least 1")
	}
	if c.Templates.Dir == "" {
		return fmt.Errorf("templates.dir must not be empty")
	}
	if c.Session.Retention <= 0 {
		return fmt.Errorf("session.retention must be positive")
	}
	return nil
}
