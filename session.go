package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/pkg/browser"

	"github.com/tonimelisma/thumbphoto/internal/auth"
	"github.com/tonimelisma/thumbphoto/internal/config"
	"github.com/tonimelisma/thumbphoto/internal/graph"
	"github.com/tonimelisma/thumbphoto/internal/history"
)

// session wires the token provider, graph client, identity resolver, photo
// client, and history store for one CLI run.
type session struct {
	cc       *CLIContext
	provider auth.Provider
	tokens   *auth.TokenProvider
	resolver *graph.IdentityResolver
	photos   *graph.PhotoClient
	history  *history.Store // nil when history is disabled or unavailable

	// restored reports whether a cached account was adopted at startup.
	restored bool
}

// openSession builds a session from the resolved config. It adopts any
// account left in the credential cache by an earlier login, so the first
// token request is silent when possible.
func openSession(ctx context.Context, cc *CLIContext) (*session, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	provider, err := newAuthProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &session{cc: cc, provider: provider}

	s.tokens = auth.NewTokenProvider(provider, cfg.Scopes, logger,
		auth.WithInteractiveFallback(cfg.InteractiveFallback),
		// A different account means a different principal.
		auth.WithAccountChangeHook(func(auth.Account) {
			if s.resolver != nil {
				s.resolver.Invalidate()
			}
		}),
	)

	s.restored, err = s.tokens.Restore(ctx)
	if err != nil {
		// A corrupt cache should not block signing in again.
		logger.Warn("could not restore cached sign-in", slog.String("error", err.Error()))
	}

	endpoints, err := graph.NewEndpoints(cfg.GraphBaseURL, cfg.APIVersion)
	if err != nil {
		return nil, err
	}

	client := graph.NewClient(
		&http.Client{Timeout: cfg.RequestTimeout},
		s.tokens,
		logger,
		graph.WithUserAgent(cfg.UserAgent),
		graph.WithMaxRetries(cfg.MaxRetries),
		graph.WithRateLimiter(graph.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst)),
	)

	s.resolver = graph.NewIdentityResolver(client, endpoints, logger)

	s.photos, err = graph.NewPhotoClient(client, s.resolver, endpoints, cfg.TenantID, logger)
	if err != nil {
		return nil, err
	}

	if cfg.HistoryEnabled {
		s.history, err = history.Open(ctx, cfg.HistoryPath, logger)
		if err != nil {
			logger.Warn("operation history unavailable", slog.String("error", err.Error()))
			s.history = nil
		}
	}

	return s, nil
}

// newAuthProvider builds the configured auth backend.
func newAuthProvider(cfg *config.Resolved, logger *slog.Logger) (auth.Provider, error) {
	deviceCode := cfg.AuthFlow == config.FlowDeviceCode

	switch cfg.AuthBackend {
	case config.BackendOAuth2:
		return auth.NewOAuthProvider(auth.OAuthConfig{
			ClientID:    cfg.ClientID,
			Authority:   cfg.Authority(),
			RedirectURI: cfg.RedirectURI,
			DeviceCode:  deviceCode,
			TokenPath:   cfg.TokenPath,
			TenantID:    cfg.TenantID,
		}, showDeviceCode, browser.OpenURL, logger), nil
	default:
		return auth.NewMSALProvider(auth.MSALConfig{
			ClientID:    cfg.ClientID,
			Authority:   cfg.Authority(),
			RedirectURI: cfg.RedirectURI,
			DeviceCode:  deviceCode,
			CachePath:   cfg.MSALCachePath,
		}, showDeviceCode, browser.OpenURL, logger)
	}
}

// showDeviceCode prints the device-code prompt. It is always shown, even
// with --quiet, because sign-in cannot finish without it.
func showDeviceCode(dc auth.DeviceCode) {
	if dc.Message != "" {
		fmt.Fprintln(os.Stderr, dc.Message)
		return
	}

	fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", dc.VerificationURL)
	fmt.Fprintf(os.Stderr, "Enter code: %s\n", dc.UserCode)
}

// resolveSelf resolves the principal and, for backends that keep their own
// token file, remembers the username next to it.
func (s *session) resolveSelf(ctx context.Context) (graph.Principal, error) {
	p, err := s.resolver.ResolveSelf(ctx)
	if err != nil {
		return graph.Principal{}, err
	}

	if op, ok := s.provider.(*auth.OAuthProvider); ok {
		if err := op.RememberUsername(p.UserPrincipalName); err != nil {
			s.cc.Logger.Debug("could not save username", slog.String("error", err.Error()))
		}
	}

	return p, nil
}

// record appends an operation to the history store. Failures to record are
// logged, never returned: history must not fail a photo operation.
func (s *session) record(ctx context.Context, e history.Entry) {
	if s.history == nil {
		return
	}

	e.Tenant = s.cc.Cfg.TenantID

	if e.Principal == "" {
		if p, ok := s.resolver.Cached(); ok {
			e.Principal = p.UserPrincipalName
		}
	}

	// Record even when the operation was canceled.
	if _, err := s.history.Record(context.WithoutCancel(ctx), e); err != nil {
		s.cc.Logger.Warn("could not record operation", slog.String("error", err.Error()))
	}
}

// Close releases the history store.
func (s *session) Close() {
	if s.history == nil {
		return
	}

	if err := s.history.Close(); err != nil {
		s.cc.Logger.Warn("closing history store", slog.String("error", err.Error()))
	}
}

// httpStatusOf extracts the HTTP status from a graph error, or 0.
func httpStatusOf(err error) int {
	var graphErr *graph.GraphError
	if errors.As(err, &graphErr) {
		return graphErr.StatusCode
	}

	return 0
}
