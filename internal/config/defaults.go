package config

// Default values for configuration options. These are layer 0 of the
// override chain. The auth defaults identify the public client application
// registered for the original photo tool and the legacy directory graph.
const (
	defaultGraphBaseURL      = "https://graph.windows.net"
	defaultAPIVersion        = "1.6"
	defaultClientID          = "1b730954-1685-4b74-9bfd-dac224a7b894"
	defaultAuthorityHost     = "https://login.microsoftonline.com"
	defaultRedirectURI       = "http://localhost"
	defaultScope             = "https://graph.windows.net/user_impersonation"
	defaultAuthBackend       = BackendMSAL
	defaultAuthFlow          = FlowBrowser
	defaultRequestTimeout    = "30s"
	defaultUserAgent         = "thumbphoto/0.1"
	defaultMaxRetries        = 3
	defaultRequestsPerSecond = 10.0
	defaultBurst             = 15
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset keys keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		GraphConfig: GraphConfig{
			GraphBaseURL: defaultGraphBaseURL,
			APIVersion:   defaultAPIVersion,
		},
		AuthConfig: AuthConfig{
			ClientID:      defaultClientID,
			AuthorityHost: defaultAuthorityHost,
			RedirectURI:   defaultRedirectURI,
			Scopes:        []string{defaultScope},
			AuthBackend:   defaultAuthBackend,
			AuthFlow:      defaultAuthFlow,
		},
		NetworkConfig: NetworkConfig{
			RequestTimeout:    defaultRequestTimeout,
			UserAgent:         defaultUserAgent,
			MaxRetries:        defaultMaxRetries,
			RequestsPerSecond: defaultRequestsPerSecond,
			Burst:             defaultBurst,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		HistoryConfig: HistoryConfig{
			HistoryEnabled: true,
		},
	}
}
