package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the sentinel for missing or unusable configuration.
// Use errors.Is(err, config.ErrConfiguration) to check.
var ErrConfiguration = errors.New("config: configuration error")

// ConfigError reports a required configuration value that is absent or
// invalid. It is never retryable.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

// Is makes every ConfigError match ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

func missing(key, hint string) *ConfigError {
	return &ConfigError{Key: key, Reason: "is required (" + hint + ")"}
}
