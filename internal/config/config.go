// Package config provides configuration loading and management for the daemon.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all daemon configuration
type Config struct {
	// HTTP server port
	Port string `yaml:"port"`

	// Settings store file; empty keeps settings in memory
	StorePath string `yaml:"store_path"`

	// Network seed applied when the store has no networks yet
	NetworksFile string `yaml:"networks_file"`

	// Reload the store when another process edits it
	WatchStore bool `yaml:"watch_store"`

	// How long a page-initiated network switch waits for the relay; 0 waits forever
	SwitchTimeout time.Duration `yaml:"switch_timeout"`

	// Idle time after which a page session is unloaded
	SessionTTL time.Duration `yaml:"session_ttl"`

	// Upper bound for a single JSON-RPC request
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Per-session JSON-RPC rate limit
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// Simulation service endpoints and protection
	SimulationAPIURL           string        `yaml:"simulation_api_url"`
	SimulationDashboardURL     string        `yaml:"simulation_dashboard_url"`
	SimulationRetryMax         int           `yaml:"simulation_retry_max"`
	SimulationFailureThreshold int           `yaml:"simulation_failure_threshold"`
	SimulationCooldown         time.Duration `yaml:"simulation_cooldown"`

	// Mainnet endpoint used for ENS when no chain id 1 network is configured
	ENSFallbackRPC string `yaml:"ens_fallback_rpc"`

	// OpenTelemetry endpoint for observability
	OtelEndpoint string `yaml:"otel_endpoint"`

	// Fraction of provider requests traced when no parent span decides
	OtelSampleRatio float64 `yaml:"otel_sample_ratio"`

	// Whether to expose Prometheus metrics
	EnableMetrics bool `yaml:"enable_metrics"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Port:                       "8546",
		StorePath:                  "impersonator.json",
		NetworksFile:               "networks.yaml",
		WatchStore:                 true,
		SwitchTimeout:              30 * time.Second,
		SessionTTL:                 30 * time.Minute,
		RequestTimeout:             15 * time.Second,
		RateLimitRPS:               20,
		RateLimitBurst:             40,
		SimulationAPIURL:           "https://api.tenderly.co",
		SimulationDashboardURL:     "https://dashboard.tenderly.co",
		SimulationRetryMax:         2,
		SimulationFailureThreshold: 3,
		SimulationCooldown:         time.Minute,
		ENSFallbackRPC:             "https://rpc.ankr.com/eth",
		OtelSampleRatio:            1,
		EnableMetrics:              true,
	}
}

// Load creates a new Config from the defaults and environment variables
func Load() Config {
	return applyEnvOverrides(DefaultConfig())
}

func applyEnvOverrides(c Config) Config {
	c.Port = GetEnvOrDefault("PORT", c.Port)
	c.StorePath = GetEnvOrDefault("STORE_PATH", c.StorePath)
	c.NetworksFile = GetEnvOrDefault("NETWORKS_FILE", c.NetworksFile)
	c.WatchStore = GetEnvAsBool("WATCH_STORE", c.WatchStore)
	c.SwitchTimeout = GetEnvAsDuration("SWITCH_TIMEOUT", c.SwitchTimeout)
	c.SessionTTL = GetEnvAsDuration("SESSION_TTL", c.SessionTTL)
	c.RequestTimeout = GetEnvAsDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.RateLimitRPS = GetEnvAsFloat("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = GetEnvAsInt("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.SimulationAPIURL = GetEnvOrDefault("SIMULATION_API_URL", c.SimulationAPIURL)
	c.SimulationDashboardURL = GetEnvOrDefault("SIMULATION_DASHBOARD_URL", c.SimulationDashboardURL)
	c.SimulationRetryMax = GetEnvAsInt("SIMULATION_RETRY_MAX", c.SimulationRetryMax)
	c.SimulationFailureThreshold = GetEnvAsInt("SIMULATION_FAILURE_THRESHOLD", c.SimulationFailureThreshold)
	c.SimulationCooldown = GetEnvAsDuration("SIMULATION_COOLDOWN", c.SimulationCooldown)
	c.ENSFallbackRPC = GetEnvOrDefault("ENS_FALLBACK_RPC", c.ENSFallbackRPC)
	c.OtelEndpoint = GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.OtelEndpoint)
	c.OtelSampleRatio = GetEnvAsFloat("OTEL_SAMPLE_RATIO", c.OtelSampleRatio)
	c.EnableMetrics = GetEnvAsBool("ENABLE_METRICS", c.EnableMetrics)
	return c
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		} else {
			logrus.Warnf("Invalid integer in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		} else {
			logrus.Warnf("Invalid float in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		} else {
			logrus.Warnf("Invalid boolean in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		} else {
			logrus.Warnf("Invalid duration in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}
