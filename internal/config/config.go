// Package config handles configuration loading for autoflow.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for autoflow.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Pause        PauseConfig        `mapstructure:"pause"`
	Server       ServerConfig       `mapstructure:"server"`
}

// AnthropicConfig holds model provider settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// UseBedrock routes requests through AWS Bedrock.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// OrchestratorConfig holds engine settings.
type OrchestratorConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	AutoStart      bool          `mapstructure:"auto_start"`
	MaxRetries     int           `mapstructure:"max_retries"`
	StepTimeout    time.Duration `mapstructure:"step_timeout"`
	OnFailure      string        `mapstructure:"on_failure"`
}

// PauseConfig holds failure-window settings.
type PauseConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
}

// ServerConfig holds the HTTP control API settings.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, AUTOFLOW_*)
// 2. Project config (.autoflow.yaml in current directory or parent)
// 3. User config (~/.config/autoflow/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Project config takes precedence over the user config.
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("AUTOFLOW")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.aws_region", "AWS_REGION")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("orchestrator.max_concurrency", cfg.Orchestrator.MaxConcurrency)
	v.Set("orchestrator.poll_interval", cfg.Orchestrator.PollInterval.String())
	v.Set("orchestrator.auto_start", cfg.Orchestrator.AutoStart)
	v.Set("orchestrator.max_retries", cfg.Orchestrator.MaxRetries)
	v.Set("orchestrator.step_timeout", cfg.Orchestrator.StepTimeout.String())
	v.Set("orchestrator.on_failure", cfg.Orchestrator.OnFailure)
	v.Set("pause.failure_threshold", cfg.Pause.FailureThreshold)
	v.Set("pause.failure_window", cfg.Pause.FailureWindow.String())
	v.Set("pause.rate_limit_backoff", cfg.Pause.RateLimitBackoff.String())
	v.Set("server.enabled", cfg.Server.Enabled)
	v.Set("server.addr", cfg.Server.Addr)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it
// exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("orchestrator.max_concurrency", 2)
	v.SetDefault("orchestrator.poll_interval", "5s")
	v.SetDefault("orchestrator.auto_start", true)
	v.SetDefault("orchestrator.max_retries", 2)
	v.SetDefault("orchestrator.step_timeout", "0s")
	v.SetDefault("orchestrator.on_failure", "stop")

	v.SetDefault("pause.failure_threshold", 3)
	v.SetDefault("pause.failure_window", "10m")
	v.SetDefault("pause.rate_limit_backoff", "5m")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", "127.0.0.1:8377")
}

// getUserConfigDir returns the XDG config directory for autoflow.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "autoflow")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "autoflow")
	}
	return filepath.Join(home, ".config", "autoflow")
}

// findProjectConfig searches for .autoflow.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".autoflow.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrency: 2,
			PollInterval:   5 * time.Second,
			AutoStart:      true,
			MaxRetries:     2,
			OnFailure:      "stop",
		},
		Pause: PauseConfig{
			FailureThreshold: 3,
			FailureWindow:    10 * time.Minute,
			RateLimitBackoff: 5 * time.Minute,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8377",
		},
	}
}
