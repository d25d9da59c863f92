// Package config loads platform configuration from config files and
// environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the platform configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Modules  ModulesConfig  `mapstructure:"modules"`
	Server   ServerConfig   `mapstructure:"server"`
	Static   StaticConfig   `mapstructure:"static"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig selects the driver and connection string.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// ModulesConfig controls discovery and automatic installation.
type ModulesConfig struct {
	Paths       []string `mapstructure:"paths"`
	AutoInstall bool     `mapstructure:"auto_install"`
}

// ServerConfig is the admin API listen address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StaticConfig points at the frontend asset root inside module directories.
type StaticConfig struct {
	Root string `mapstructure:"root"`
}

// LogConfig selects log verbosity.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load reads configuration with this precedence: defaults, then a
// config.yaml found in the given path (or the working directory), then
// VANTAGE_-prefixed environment variables. A missing config file is fine;
// a malformed one is not.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database.driver", "pgx")
	v.SetDefault("database.url", "")
	v.SetDefault("modules.paths", []string{"modules"})
	v.SetDefault("modules.auto_install", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8088)
	v.SetDefault("static.root", "static")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("VANTAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "pgx", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if len(cfg.Modules.Paths) == 0 {
		return fmt.Errorf("at least one module search path is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}
	return nil
}
