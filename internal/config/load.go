package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal with "did you mean?" suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("loaded config file", slog.String("path", path))

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with defaults.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("no config file, using defaults", slog.String("path", path))
		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolve loads configuration and applies the override chain. A missing
// tenant identifier is reported as a *ConfigError.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Resolved, error) {
	resolved, err := ResolveLenient(env, cli, logger)
	if err != nil {
		return nil, err
	}

	if resolved.TenantID == "" {
		return nil, missing("tenant_id", "set it in the config file, "+EnvTenantID+", or --tenant")
	}

	return resolved, nil
}

// ResolveLenient is Resolve without the tenant requirement. It backs
// commands that only display configuration.
func ResolveLenient(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, err
	}

	if env.TenantID != "" {
		cfg.TenantID = env.TenantID
	}

	if env.AuthBackend != "" {
		cfg.AuthBackend = env.AuthBackend
	}

	if cli.TenantID != "" {
		cfg.TenantID = cli.TenantID
	}

	// Env overrides bypass file validation, so validate the merged result.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	timeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("request_timeout: %w", err)
	}

	dataDir := DefaultDataDir()

	historyPath := filepath.Join(dataDir, historyFileName)
	if cfg.HistoryDB != "" {
		historyPath = expandTilde(cfg.HistoryDB)
	}

	logger.Debug("resolved config",
		slog.String("path", cfgPath),
		slog.String("tenant", cfg.TenantID),
		slog.String("auth_backend", cfg.AuthBackend),
	)

	return &Resolved{
		Config:         *cfg,
		ConfigPath:     cfgPath,
		RequestTimeout: timeout,
		TokenPath:      filepath.Join(dataDir, tokenFileName),
		MSALCachePath:  filepath.Join(dataDir, msalCacheFileName),
		HistoryPath:    historyPath,
	}, nil
}
