package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minRequestTimeout = 1 * time.Second
	maxRequestTimeout = 10 * time.Minute
	maxRetriesLimit   = 10
	minBurst          = 1
)

// Validate checks all configuration values and returns every error found,
// joined, so users can fix all issues in one pass. An empty tenant is not a
// validation error here; Resolve reports it after all layers are applied.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateGraph(&cfg.GraphConfig)...)
	errs = append(errs, validateAuth(&cfg.AuthConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)

	return errors.Join(errs...)
}

func validateGraph(g *GraphConfig) []error {
	var errs []error

	if err := validateAbsoluteURL(g.GraphBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("graph_base_url: %w", err))
	}

	if g.APIVersion == "" {
		errs = append(errs, errors.New("api_version: must not be empty"))
	}

	return errs
}

func validateAuth(a *AuthConfig) []error {
	var errs []error

	if a.ClientID == "" {
		errs = append(errs, errors.New("client_id: must not be empty"))
	}

	if err := validateAbsoluteURL(a.AuthorityHost); err != nil {
		errs = append(errs, fmt.Errorf("authority_host: %w", err))
	}

	if err := validateAbsoluteURL(a.RedirectURI); err != nil {
		errs = append(errs, fmt.Errorf("redirect_uri: %w", err))
	}

	if len(a.Scopes) == 0 {
		errs = append(errs, errors.New("scopes: at least one scope is required"))
	}

	switch a.AuthBackend {
	case BackendMSAL, BackendOAuth2:
	default:
		errs = append(errs, fmt.Errorf("auth_backend: must be %q or %q, got %q", BackendMSAL, BackendOAuth2, a.AuthBackend))
	}

	switch a.AuthFlow {
	case FlowBrowser, FlowDeviceCode:
	default:
		errs = append(errs, fmt.Errorf("auth_flow: must be %q or %q, got %q", FlowBrowser, FlowDeviceCode, a.AuthFlow))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	d, err := time.ParseDuration(n.RequestTimeout)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("request_timeout: invalid duration %q", n.RequestTimeout))
	case d < minRequestTimeout || d > maxRequestTimeout:
		errs = append(errs, fmt.Errorf("request_timeout: must be between %s and %s, got %s",
			minRequestTimeout, maxRequestTimeout, d))
	}

	if n.MaxRetries < 0 || n.MaxRetries > maxRetriesLimit {
		errs = append(errs, fmt.Errorf("max_retries: must be between 0 and %d, got %d", maxRetriesLimit, n.MaxRetries))
	}

	if n.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("requests_per_second: must be positive, got %g", n.RequestsPerSecond))
	}

	if n.Burst < minBurst {
		errs = append(errs, fmt.Errorf("burst: must be at least %d, got %d", minBurst, n.Burst))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: must be debug, info, warn, or error, got %q", l.LogLevel))
	}

	switch l.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: must be text or json, got %q", l.LogFormat))
	}

	return errs
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL, got %q", raw)
	}

	return nil
}
