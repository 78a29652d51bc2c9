package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig      = "THUMBPHOTO_CONFIG"
	EnvTenantID    = "THUMBPHOTO_TENANT_ID"
	EnvAuthBackend = "THUMBPHOTO_AUTH_BACKEND"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string // THUMBPHOTO_CONFIG: override config file path
	TenantID    string // THUMBPHOTO_TENANT_ID: tenant identifier
	AuthBackend string // THUMBPHOTO_AUTH_BACKEND: msal or oauth2
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	env := EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		TenantID:    os.Getenv(EnvTenantID),
		AuthBackend: os.Getenv(EnvAuthBackend),
	}

	logger.Debug("read environment overrides",
		slog.Bool("config_set", env.ConfigPath != ""),
		slog.Bool("tenant_set", env.TenantID != ""),
		slog.String("auth_backend", env.AuthBackend),
	)

	return env
}
