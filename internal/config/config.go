// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for thumbphoto. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags. The tenant identifier is the one value with no usable default and
// its absence is reported as a configuration error.
package config

import (
	"net/url"
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
// All keys are flat at the top level; the embedded structs only group them.
type Config struct {
	TenantID string `toml:"tenant_id"`

	GraphConfig
	AuthConfig
	NetworkConfig
	LoggingConfig
	HistoryConfig
}

// GraphConfig locates the directory graph API.
type GraphConfig struct {
	GraphBaseURL string `toml:"graph_base_url"`
	APIVersion   string `toml:"api_version"`
}

// AuthConfig controls how bearer tokens are acquired.
type AuthConfig struct {
	ClientID            string   `toml:"client_id"`
	AuthorityHost       string   `toml:"authority_host"`
	RedirectURI         string   `toml:"redirect_uri"`
	Scopes              []string `toml:"scopes"`
	AuthBackend         string   `toml:"auth_backend"`
	AuthFlow            string   `toml:"auth_flow"`
	InteractiveFallback bool     `toml:"interactive_fallback"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	RequestTimeout    string  `toml:"request_timeout"`
	UserAgent         string  `toml:"user_agent"`
	MaxRetries        int     `toml:"max_retries"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// HistoryConfig controls the local operation history database.
type HistoryConfig struct {
	HistoryEnabled bool   `toml:"history_enabled"`
	HistoryDB      string `toml:"history_db"`
}

// Auth backends.
const (
	BackendMSAL   = "msal"
	BackendOAuth2 = "oauth2"
)

// Interactive flows.
const (
	FlowBrowser    = "browser"
	FlowDeviceCode = "device_code"
)

// CLIOverrides holds values from CLI flags that override the config file and
// environment.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	TenantID   string // --tenant flag (empty = not specified)
}

// Resolved is the effective configuration after all override layers, with
// durations parsed and file locations filled in.
type Resolved struct {
	Config

	ConfigPath     string
	RequestTimeout time.Duration
	TokenPath      string // oauth2 backend token file
	MSALCachePath  string // msal backend cache blob
	HistoryPath    string
}

// Authority returns the tenant-scoped authority URL used for sign-in. The
// tenant is escaped as a single path segment.
func (r *Resolved) Authority() string {
	return trimSlash(r.AuthorityHost) + "/" + url.PathEscape(r.TenantID)
}
