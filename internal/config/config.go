// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database namespaces selected by PRODUCTION.
const (
	NamespaceProduction = "store"
	NamespaceTest       = "test"
)

const maxWorkerConcurrency = 8

// Config represents the application configuration.
type Config struct {
	Discord  DiscordConfig  `mapstructure:",squash"`
	GitHub   GitHubConfig   `mapstructure:",squash"`
	Database DatabaseConfig `mapstructure:",squash"`
	Worker   WorkerConfig   `mapstructure:",squash"`
	Server   ServerConfig   `mapstructure:",squash"`
	Log      LogConfig      `mapstructure:",squash"`
}

// DiscordConfig holds the chat gateway credential and presentation defaults.
type DiscordConfig struct {
	Token         string `mapstructure:"bot_token"`
	DefaultLocale string `mapstructure:"default_locale"`
}

// GitHubConfig holds the API tokens; either may be empty but not both.
type GitHubConfig struct {
	MainToken      string `mapstructure:"github_main"`
	SecondaryToken string `mapstructure:"github_secondary"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Connection string `mapstructure:"db_connection"`
	Production bool   `mapstructure:"production"`
}

// WorkerConfig controls the release feed worker.
type WorkerConfig struct {
	Enabled         bool `mapstructure:"run_release_feed_worker"`
	IntervalMinutes int  `mapstructure:"release_feed_worker_interval"`
	Concurrency     int  `mapstructure:"release_feed_concurrency"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address  string `mapstructure:"server_addr"`
	APIToken string `mapstructure:"api_token"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"log_level"`
	File  string `mapstructure:"log_file"`
}

var envKeys = []string{
	"bot_token",
	"default_locale",
	"github_main",
	"github_secondary",
	"db_connection",
	"production",
	"run_release_feed_worker",
	"release_feed_worker_interval",
	"release_feed_concurrency",
	"server_addr",
	"api_token",
	"log_level",
	"log_file",
}

// Load reads configuration from an optional file and the environment.
func Load(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	v.SetDefault("db_connection", "./data/gitbot.db")
	v.SetDefault("production", false)
	v.SetDefault("run_release_feed_worker", true)
	v.SetDefault("release_feed_worker_interval", 15)
	v.SetDefault("release_feed_concurrency", 4)
	v.SetDefault("server_addr", "127.0.0.1:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("default_locale", "en")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// The environment names are fixed and unprefixed.
	for _, key := range envKeys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks if all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Discord.Token) == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	if len(c.GitHubTokens()) == 0 {
		errs = append(errs, errors.New("at least one of GITHUB_MAIN or GITHUB_SECONDARY is required"))
	}
	if strings.TrimSpace(c.Database.Connection) == "" {
		errs = append(errs, errors.New("DB_CONNECTION is required"))
	}
	if c.Worker.IntervalMinutes < 1 {
		errs = append(errs, fmt.Errorf("RELEASE_FEED_WORKER_INTERVAL must be a positive number of minutes, got %d", c.Worker.IntervalMinutes))
	}
	return errors.Join(errs...)
}

// GitHubTokens returns the configured API tokens, skipping empty ones.
func (c *Config) GitHubTokens() []string {
	var tokens []string
	for _, t := range []string{c.GitHub.MainToken, c.GitHub.SecondaryToken} {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Namespace returns the database namespace selected by PRODUCTION.
func (c *Config) Namespace() string {
	if c.Database.Production {
		return NamespaceProduction
	}
	return NamespaceTest
}

// WorkerInterval returns the tick interval of the release feed worker.
func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalMinutes) * time.Minute
}

// WorkerConcurrency returns the guild fan-out clamped to 1..8.
func (c *Config) WorkerConcurrency() int {
	return min(max(c.Worker.Concurrency, 1), maxWorkerConcurrency)
}

// Debug reports whether debug logging is enabled.
func (c *Config) Debug() bool {
	return strings.EqualFold(c.Log.Level, "debug")
}
