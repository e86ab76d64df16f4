// Package config reads settings from the environment and from YAML
// files. Every getter falls back to a default so components stay
// runnable with zero configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvStr returns the value of the environment variable key, or
// defaultValue when unset or empty.
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt returns the integer value of the environment variable key,
// or defaultValue when unset or not parseable.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetEnvInt64 returns the int64 value of the environment variable key,
// or defaultValue when unset or not parseable.
func GetEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of the environment variable
// key, or defaultValue when unset or not parseable.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of the environment variable key,
// or defaultValue when unset or not parseable. Accepts the forms
// strconv.ParseBool accepts, case-insensitively.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvDuration returns the time.Duration value of the environment
// variable key, or defaultValue when unset or not parseable. Values use
// Go duration syntax ("250ms", "5s", "1m30s").
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetEnvStrSlice returns the comma-separated list in the environment
// variable key, or defaultValue when unset. Entries are trimmed and
// empty entries dropped.
func GetEnvStrSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
