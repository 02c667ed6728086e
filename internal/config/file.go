package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// LoadFile loads configuration from a YAML file on top of the defaults.
// Environment variables still take precedence over the file. An empty path
// is the same as Load.
func LoadFile(configPath string) (Config, error) {
	if configPath == "" {
		return Load(), nil
	}

	fileData, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg = applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logrus.Infof("Loaded configuration from %s", configPath)
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("invalid config: port is empty")
	}
	if c.SwitchTimeout < 0 {
		return fmt.Errorf("invalid config: switch_timeout must not be negative")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("invalid config: rate limit must be positive")
	}
	if c.OtelSampleRatio < 0 || c.OtelSampleRatio > 1 {
		return fmt.Errorf("invalid config: otel_sample_ratio must be within [0, 1]")
	}
	if c.SimulationRetryMax < 0 {
		return fmt.Errorf("invalid config: simulation_retry_max must not be negative")
	}
	return nil
}
