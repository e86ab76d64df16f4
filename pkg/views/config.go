package views

import (
	"fmt"
	"time"

	"go-tidal/internal/config"
	"go-tidal/pkg/processor"
)

// Config is the view processor family configuration.
type Config struct {
	Enabled               bool           `yaml:"enabled"`
	BatchSize             int            `yaml:"batch_size"`
	PollingIntervalMs     int            `yaml:"polling_interval_ms"`
	MaxRetries            int            `yaml:"max_retries"`
	RetryDelayMs          int            `yaml:"retry_delay_ms"`
	BackoffThreshold      int            `yaml:"backoff_threshold"`
	BackoffMultiplier     float64        `yaml:"backoff_multiplier"`
	MaxBackoffSeconds     int            `yaml:"max_backoff_seconds"`
	LeaderRetryIntervalMs int            `yaml:"leader_election_retry_interval_ms"`
	Subscriptions         []Subscription `yaml:"subscriptions"`
}

// DefaultConfig returns the view defaults with no subscriptions.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		BatchSize:             100,
		PollingIntervalMs:     500,
		MaxRetries:            10,
		RetryDelayMs:          1000,
		BackoffThreshold:      3,
		BackoffMultiplier:     2.0,
		MaxBackoffSeconds:     30,
		LeaderRetryIntervalMs: 5000,
	}
}

// ConfigFromEnv reads the scheduling knobs from VIEWS_* environment
// variables. Subscriptions come from YAML (LoadConfig).
func ConfigFromEnv() Config {
	d := DefaultConfig()
	return Config{
		Enabled:               config.GetEnvBool("VIEWS_ENABLED", d.Enabled),
		BatchSize:             config.GetEnvInt("VIEWS_BATCH_SIZE", d.BatchSize),
		PollingIntervalMs:     config.GetEnvInt("VIEWS_POLLING_INTERVAL_MS", d.PollingIntervalMs),
		MaxRetries:            config.GetEnvInt("VIEWS_MAX_RETRIES", d.MaxRetries),
		RetryDelayMs:          config.GetEnvInt("VIEWS_RETRY_DELAY_MS", d.RetryDelayMs),
		BackoffThreshold:      config.GetEnvInt("VIEWS_BACKOFF_THRESHOLD", d.BackoffThreshold),
		BackoffMultiplier:     config.GetEnvFloat("VIEWS_BACKOFF_MULTIPLIER", d.BackoffMultiplier),
		MaxBackoffSeconds:     config.GetEnvInt("VIEWS_MAX_BACKOFF_SECONDS", d.MaxBackoffSeconds),
		LeaderRetryIntervalMs: config.GetEnvInt("VIEWS_LEADER_RETRY_INTERVAL_MS", d.LeaderRetryIntervalMs),
	}
}

// LoadConfig reads a full view configuration, subscriptions included,
// from a YAML file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadYAMLFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks subscription definitions for duplicates and missing
// fields.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Subscriptions))
	for _, sub := range c.Subscriptions {
		if err := sub.Validate(); err != nil {
			return err
		}
		if _, dup := seen[sub.ViewName]; dup {
			return fmt.Errorf("duplicate view %q", sub.ViewName)
		}
		seen[sub.ViewName] = struct{}{}
	}
	return nil
}

// SubscriptionsByName indexes the configured subscriptions.
func (c Config) SubscriptionsByName() map[string]Subscription {
	out := make(map[string]Subscription, len(c.Subscriptions))
	for _, sub := range c.Subscriptions {
		out[sub.ViewName] = sub
	}
	return out
}

// Keys returns one processor key per subscribed view.
func (c Config) Keys() []Key {
	keys := make([]Key, len(c.Subscriptions))
	for i, sub := range c.Subscriptions {
		keys[i] = Key(sub.ViewName)
	}
	return keys
}

// ProcessorConfig converts the scheduling knobs to the generic
// processor configuration.
func (c Config) ProcessorConfig() processor.Config {
	return processor.Config{
		Enabled:           c.Enabled,
		PollingInterval:   time.Duration(c.PollingIntervalMs) * time.Millisecond,
		BatchSize:         c.BatchSize,
		MaxRetries:        c.MaxRetries,
		RetryDelay:        time.Duration(c.RetryDelayMs) * time.Millisecond,
		BackoffEnabled:    true,
		BackoffThreshold:  c.BackoffThreshold,
		BackoffMultiplier: c.BackoffMultiplier,
		BackoffMaxSeconds: c.MaxBackoffSeconds,
	}
}

// LeaderRetryInterval returns the election retry interval.
func (c Config) LeaderRetryInterval() time.Duration {
	return time.Duration(c.LeaderRetryIntervalMs) * time.Millisecond
}
