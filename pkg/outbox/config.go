package outbox

import (
	"fmt"
	"time"

	"go-tidal/internal/config"
	"go-tidal/pkg/processor"
)

// Config is the outbox processor family configuration. Scheduling
// knobs apply to every (topic, publisher) pair.
type Config struct {
	Enabled               bool          `yaml:"enabled"`
	BatchSize             int           `yaml:"batch_size"`
	PollingIntervalMs     int           `yaml:"polling_interval_ms"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryDelayMs          int           `yaml:"retry_delay_ms"`
	HeartbeatTTLSeconds   int           `yaml:"heartbeat_ttl_seconds"`
	BackoffThreshold      int           `yaml:"backoff_threshold"`
	BackoffMultiplier     float64       `yaml:"backoff_multiplier"`
	MaxBackoffSeconds     int           `yaml:"max_backoff_seconds"`
	LeaderRetryIntervalMs int           `yaml:"leader_election_retry_interval_ms"`
	Topics                []TopicConfig `yaml:"topics"`
}

// DefaultConfig returns the outbox defaults with no topics.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		BatchSize:             100,
		PollingIntervalMs:     500,
		MaxRetries:            10,
		RetryDelayMs:          1000,
		HeartbeatTTLSeconds:   30,
		BackoffThreshold:      3,
		BackoffMultiplier:     2.0,
		MaxBackoffSeconds:     30,
		LeaderRetryIntervalMs: 5000,
	}
}

// ConfigFromEnv reads the scheduling knobs from OUTBOX_* environment
// variables. Topics come from YAML (LoadConfig) because they are
// structured.
func ConfigFromEnv() Config {
	d := DefaultConfig()
	return Config{
		Enabled:               config.GetEnvBool("OUTBOX_ENABLED", d.Enabled),
		BatchSize:             config.GetEnvInt("OUTBOX_BATCH_SIZE", d.BatchSize),
		PollingIntervalMs:     config.GetEnvInt("OUTBOX_POLLING_INTERVAL_MS", d.PollingIntervalMs),
		MaxRetries:            config.GetEnvInt("OUTBOX_MAX_RETRIES", d.MaxRetries),
		RetryDelayMs:          config.GetEnvInt("OUTBOX_RETRY_DELAY_MS", d.RetryDelayMs),
		HeartbeatTTLSeconds:   config.GetEnvInt("OUTBOX_HEARTBEAT_TTL_SECONDS", d.HeartbeatTTLSeconds),
		BackoffThreshold:      config.GetEnvInt("OUTBOX_BACKOFF_THRESHOLD", d.BackoffThreshold),
		BackoffMultiplier:     config.GetEnvFloat("OUTBOX_BACKOFF_MULTIPLIER", d.BackoffMultiplier),
		MaxBackoffSeconds:     config.GetEnvInt("OUTBOX_MAX_BACKOFF_SECONDS", d.MaxBackoffSeconds),
		LeaderRetryIntervalMs: config.GetEnvInt("OUTBOX_LEADER_RETRY_INTERVAL_MS", d.LeaderRetryIntervalMs),
	}
}

// LoadConfig reads a full outbox configuration, topics included, from
// a YAML file.
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

// Validate checks topic definitions for duplicates and missing fields.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Topics))
	for _, topic := range c.Topics {
		if err := topic.Validate(); err != nil {
			return err
		}
		if _, dup := seen[topic.Name]; dup {
			return fmt.Errorf("duplicate topic %q", topic.Name)
		}
		seen[topic.Name] = struct{}{}
	}
	return nil
}

// TopicsByName indexes the configured topics.
func (c Config) TopicsByName() map[string]TopicConfig {
	out := make(map[string]TopicConfig, len(c.Topics))
	for _, topic := range c.Topics {
		out[topic.Name] = topic
	}
	return out
}

// Keys expands the configuration into one processor key per
// (topic, publisher) pair.
func (c Config) Keys() []Key {
	var keys []Key
	for _, topic := range c.Topics {
		for _, publisher := range topic.Publishers {
			keys = append(keys, Key{Topic: topic.Name, Publisher: publisher})
		}
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
		HeartbeatTTL:      time.Duration(c.HeartbeatTTLSeconds) * time.Second,
	}
}

// LeaderRetryInterval returns the election retry interval.
func (c Config) LeaderRetryInterval() time.Duration {
	return time.Duration(c.LeaderRetryIntervalMs) * time.Millisecond
}
