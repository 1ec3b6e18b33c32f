// Package config loads the dmfeed YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	// APIKey authenticates against the dmdata REST API. Usually supplied via
	// the DMDATA_API_KEY environment variable rather than the file.
	APIKey string `yaml:"api_key"`
	// AppName is echoed by the server in start messages and socket listings.
	AppName string `yaml:"app_name"`
	// Classifications selects the telegram categories to subscribe to.
	Classifications []string `yaml:"classifications"`
	// Types optionally narrows the telegram type codes.
	Types []string `yaml:"types,omitempty"`
	// Endpoints are the redundant WebSocket endpoints to hold open.
	Endpoints []string `yaml:"endpoints,omitempty"`
	// DedupCacheSize bounds the cross-endpoint deduplication window.
	DedupCacheSize int `yaml:"dedup_cache_size,omitempty"`

	Reconnect ReconnectConfig `yaml:"reconnect,omitempty"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// ReconnectConfig tunes the per-endpoint reconnection backoff. Delays are
// Go duration strings ("1s", "500ms").
type ReconnectConfig struct {
	InitialDelay string  `yaml:"initial_delay,omitempty"`
	MaxDelay     string  `yaml:"max_delay,omitempty"`
	Multiplier   float64 `yaml:"multiplier,omitempty"`
	MaxAttempts  int     `yaml:"max_attempts,omitempty"`
}

// Load reads configuration from the specified YAML file.
// Environment variables override file values:
//   - DMDATA_API_KEY overrides api_key
//   - DMDATA_APP_NAME overrides app_name
//   - DMDATA_ENDPOINTS (comma separated) overrides endpoints
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if key := os.Getenv("DMDATA_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if name := os.Getenv("DMDATA_APP_NAME"); name != "" {
		cfg.AppName = name
	}
	if endpoints := os.Getenv("DMDATA_ENDPOINTS"); endpoints != "" {
		cfg.Endpoints = splitList(endpoints)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (or set DMDATA_API_KEY)")
	}

	if len(c.Classifications) == 0 {
		return fmt.Errorf("at least one classification is required")
	}
	for i, cl := range c.Classifications {
		if cl == "" {
			return fmt.Errorf("classifications[%d] is empty", i)
		}
	}

	if c.DedupCacheSize < 0 {
		return fmt.Errorf("dedup_cache_size must not be negative")
	}

	if _, _, err := c.Reconnect.delays(); err != nil {
		return err
	}

	return nil
}

// ReconnectDelays returns the parsed backoff delays. A zero value means
// "use the default".
func (c *Config) ReconnectDelays() (initial, max time.Duration) {
	initial, max, _ = c.Reconnect.delays()
	return initial, max
}

func (r ReconnectConfig) delays() (initial, max time.Duration, err error) {
	if r.InitialDelay != "" {
		initial, err = parsePositiveDuration("reconnect.initial_delay", r.InitialDelay)
		if err != nil {
			return 0, 0, err
		}
	}
	if r.MaxDelay != "" {
		max, err = parsePositiveDuration("reconnect.max_delay", r.MaxDelay)
		if err != nil {
			return 0, 0, err
		}
	}
	return initial, max, nil
}

func parsePositiveDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
