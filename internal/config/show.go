package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. It powers "config show".
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (%s)\n\n", r.ConfigPath)

	tenant := r.TenantID
	if tenant == "" {
		tenant = "(not set)"
	}

	ew.printf("tenant_id            = %q\n", tenant)
	ew.printf("graph_base_url       = %q\n", r.GraphBaseURL)
	ew.printf("api_version          = %q\n\n", r.APIVersion)

	ew.printf("client_id            = %q\n", r.ClientID)
	ew.printf("authority_host       = %q\n", r.AuthorityHost)
	ew.printf("redirect_uri         = %q\n", r.RedirectURI)
	ew.printf("scopes               = [%s]\n", quoteList(r.Scopes))
	ew.printf("auth_backend         = %q\n", r.AuthBackend)
	ew.printf("auth_flow            = %q\n", r.AuthFlow)
	ew.printf("interactive_fallback = %t\n\n", r.InteractiveFallback)

	ew.printf("request_timeout      = %q\n", r.RequestTimeout.String())
	ew.printf("user_agent           = %q\n", r.UserAgent)
	ew.printf("max_retries          = %d\n", r.MaxRetries)
	ew.printf("requests_per_second  = %g\n", r.RequestsPerSecond)
	ew.printf("burst                = %d\n\n", r.Burst)

	ew.printf("log_level            = %q\n", r.LogLevel)
	ew.printf("log_format           = %q\n\n", r.LogFormat)

	ew.printf("history_enabled      = %t\n", r.HistoryEnabled)
	ew.printf("history_db           = %q\n", r.HistoryPath)

	return ew.err
}

// errWriter captures the first write error so callers can chain printf
// calls without checking each one.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}
