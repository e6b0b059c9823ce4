package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autoflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify autoflow configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/autoflow/config.yaml
Project-specific overrides can be placed in .autoflow.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("orchestrator.max_concurrency: %d\n", cfg.Orchestrator.MaxConcurrency)
	fmt.Printf("orchestrator.poll_interval: %s\n", cfg.Orchestrator.PollInterval)
	fmt.Printf("orchestrator.auto_start: %t\n", cfg.Orchestrator.AutoStart)
	fmt.Printf("orchestrator.max_retries: %d\n", cfg.Orchestrator.MaxRetries)
	fmt.Printf("orchestrator.step_timeout: %s\n", cfg.Orchestrator.StepTimeout)
	fmt.Printf("orchestrator.on_failure: %s\n", cfg.Orchestrator.OnFailure)
	fmt.Printf("pause.failure_threshold: %d\n", cfg.Pause.FailureThreshold)
	fmt.Printf("pause.failure_window: %s\n", cfg.Pause.FailureWindow)
	fmt.Printf("pause.rate_limit_backoff: %s\n", cfg.Pause.RateLimitBackoff)
	fmt.Printf("server.enabled: %t\n", cfg.Server.Enabled)
	fmt.Printf("server.addr: %s\n", cfg.Server.Addr)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return "****", nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "orchestrator.max_concurrency":
		return strconv.Itoa(cfg.Orchestrator.MaxConcurrency), nil
	case "orchestrator.poll_interval":
		return cfg.Orchestrator.PollInterval.String(), nil
	case "orchestrator.auto_start":
		return strconv.FormatBool(cfg.Orchestrator.AutoStart), nil
	case "orchestrator.max_retries":
		return strconv.Itoa(cfg.Orchestrator.MaxRetries), nil
	case "orchestrator.step_timeout":
		return cfg.Orchestrator.StepTimeout.String(), nil
	case "orchestrator.on_failure":
		return cfg.Orchestrator.OnFailure, nil
	case "pause.failure_threshold":
		return strconv.Itoa(cfg.Pause.FailureThreshold), nil
	case "pause.failure_window":
		return cfg.Pause.FailureWindow.String(), nil
	case "pause.rate_limit_backoff":
		return cfg.Pause.RateLimitBackoff.String(), nil
	case "server.enabled":
		return strconv.FormatBool(cfg.Server.Enabled), nil
	case "server.addr":
		return cfg.Server.Addr, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "orchestrator.max_concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_concurrency: %w", err)
		}
		cfg.Orchestrator.MaxConcurrency = n
	case "orchestrator.poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for poll_interval: %w", err)
		}
		cfg.Orchestrator.PollInterval = d
	case "orchestrator.auto_start":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for auto_start: %w", err)
		}
		cfg.Orchestrator.AutoStart = b
	case "orchestrator.max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_retries: %w", err)
		}
		cfg.Orchestrator.MaxRetries = n
	case "orchestrator.step_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for step_timeout: %w", err)
		}
		cfg.Orchestrator.StepTimeout = d
	case "orchestrator.on_failure":
		cfg.Orchestrator.OnFailure = value
	case "pause.failure_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for failure_threshold: %w", err)
		}
		cfg.Pause.FailureThreshold = n
	case "pause.failure_window":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for failure_window: %w", err)
		}
		cfg.Pause.FailureWindow = d
	case "pause.rate_limit_backoff":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for rate_limit_backoff: %w", err)
		}
		cfg.Pause.RateLimitBackoff = d
	case "server.enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for server.enabled: %w", err)
		}
		cfg.Server.Enabled = b
	case "server.addr":
		cfg.Server.Addr = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
