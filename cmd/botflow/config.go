package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/botflow/internal/actions"
	"github.com/rendis/botflow/internal/plugins"
	"github.com/rendis/botflow/internal/templates"
	"github.com/spf13/viper"
)

// Config holds all botflow configuration.
// Priority: BOTFLOW_* env vars > settings.yaml > defaults.
type Config struct {
	LogLevel       string               `mapstructure:"log_level"`
	LogFormat      string               `mapstructure:"log_format"`
	DBPath         string               `mapstructure:"db_path"`
	TemplatePacks  []string             `mapstructure:"template_packs"`
	Simulate       bool                 `mapstructure:"simulate"`
	StrictActions  bool                 `mapstructure:"strict_actions"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	History        HistoryConfig        `mapstructure:"history"`
	HTTP           HTTPConfig           `mapstructure:"http"`
	Plugins        []plugins.Config     `mapstructure:"plugins"`
}

// RetryConfig selects the delay between step retries.
type RetryConfig struct {
	Backoff  string `mapstructure:"backoff"`
	Delay    string `mapstructure:"delay"`
	MaxDelay string `mapstructure:"max_delay"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	HalfOpenMax      int           `mapstructure:"half_open_max"`
}

// HistoryConfig controls the run history store. Retention of zero keeps
// runs forever.
type HistoryConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Retention time.Duration `mapstructure:"retention"`
}

// HTTPConfig configures the http.* actions. Services name the bots' REST
// APIs so steps can call them as {"service": "slack", "path": "..."}.
type HTTPConfig struct {
	Timeout         time.Duration              `mapstructure:"timeout"`
	MaxResponseBody int64                      `mapstructure:"max_response_body"`
	Services        map[string]actions.Service `mapstructure:"services"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "info",
		LogFormat:     "text",
		DBPath:        filepath.Join(botflowDir(), "history.db"),
		TemplatePacks: templates.BuiltinPacks(),
		Retry:         RetryConfig{Backoff: "none"},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			HalfOpenMax:      1,
		},
		History: HistoryConfig{Enabled: true},
		HTTP: HTTPConfig{
			Timeout:         30 * time.Second,
			MaxResponseBody: 10 * 1024 * 1024,
		},
	}
}

func botflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".botflow"
	}
	return filepath.Join(home, ".botflow")
}

// loadConfig layers defaults, the settings file and the environment.
// configFile overrides the default ~/.botflow/settings.yaml lookup and must
// exist when given.
func loadConfig(configFile string) (*Config, error) {
	cfg := defaultConfig()
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		v.AddConfigPath(botflowDir())
	}

	v.SetEnvPrefix("BOTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("template_packs", cfg.TemplatePacks)
	v.SetDefault("simulate", cfg.Simulate)
	v.SetDefault("strict_actions", cfg.StrictActions)

	v.SetDefault("retry.backoff", cfg.Retry.Backoff)
	v.SetDefault("retry.delay", cfg.Retry.Delay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)

	v.SetDefault("circuit_breaker.enabled", cfg.CircuitBreaker.Enabled)
	v.SetDefault("circuit_breaker.failure_threshold", cfg.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.cooldown", cfg.CircuitBreaker.Cooldown)
	v.SetDefault("circuit_breaker.half_open_max", cfg.CircuitBreaker.HalfOpenMax)

	v.SetDefault("history.enabled", cfg.History.Enabled)
	v.SetDefault("history.retention", cfg.History.Retention)

	v.SetDefault("http.timeout", cfg.HTTP.Timeout)
	v.SetDefault("http.max_response_body", cfg.HTTP.MaxResponseBody)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[strings.ToLower(cfg.LogFormat)] {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if len(cfg.TemplatePacks) == 0 {
		return fmt.Errorf("at least one template pack is required")
	}
	if cfg.History.Enabled && cfg.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty when history is enabled")
	}
	if cfg.History.Retention < 0 {
		return fmt.Errorf("history retention must not be negative")
	}
	if cfg.CircuitBreaker.Enabled && cfg.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit breaker failure threshold must be positive")
	}
	seen := make(map[string]bool, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		if p.Name == "" || p.Command == "" {
			return fmt.Errorf("plugin %d needs a name and a command", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate plugin name: %s", p.Name)
		}
		seen[p.Name] = true
	}
	if err := actions.ValidateServices(cfg.HTTP.Services); err != nil {
		return fmt.Errorf("http services: %w", err)
	}
	return nil
}
