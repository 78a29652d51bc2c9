package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/thumbphoto/internal/tokenfile"
)

// offlineAccessScope makes the v2.0 endpoint return a refresh token, which is
// what silent acquisition uses.
const offlineAccessScope = "offline_access"

// OAuthConfig configures the golang.org/x/oauth2 backend.
type OAuthConfig struct {
	ClientID    string
	Authority   string // tenant-scoped authority URL
	RedirectURI string // loopback base, e.g. http://localhost
	DeviceCode  bool
	TokenPath   string
	TenantID    string
}

// OAuthProvider is a Provider backed by golang.org/x/oauth2. Interactive
// sign-in is the device-code flow or authorization code + PKCE through a
// loopback callback; silent acquisition refreshes the saved token. The token
// is persisted at TokenPath, which makes it an AccountStore.
type OAuthProvider struct {
	cfg     OAuthConfig
	display func(DeviceCode)
	openURL func(string) error
	logger  *slog.Logger

	// endpoint is overridden by tests to point at a mock server.
	endpoint oauth2.Endpoint
}

// NewOAuthProvider creates the oauth2 backend.
func NewOAuthProvider(
	cfg OAuthConfig,
	display func(DeviceCode),
	openURL func(string) error,
	logger *slog.Logger,
) *OAuthProvider {
	authority := strings.TrimRight(cfg.Authority, "/")

	return &OAuthProvider{
		cfg:     cfg,
		display: display,
		openURL: openURL,
		logger:  logger,
		endpoint: oauth2.Endpoint{
			AuthURL:       authority + "/oauth2/v2.0/authorize",
			TokenURL:      authority + "/oauth2/v2.0/token",
			DeviceAuthURL: authority + "/oauth2/v2.0/devicecode",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

// oauthConfig builds an oauth2.Config whose OnTokenChange persists refreshed
// tokens with meta.
func (p *OAuthProvider) oauthConfig(scopes []string, meta map[string]string) *oauth2.Config {
	if !slices.Contains(scopes, offlineAccessScope) {
		scopes = append(slices.Clone(scopes), offlineAccessScope)
	}

	return &oauth2.Config{
		ClientID: p.cfg.ClientID,
		Scopes:   scopes,
		Endpoint: p.endpoint,
		// Called by ReuseTokenSource after each silent refresh, outside its mutex.
		OnTokenChange: func(tok *oauth2.Token) {
			if err := tokenfile.Save(p.cfg.TokenPath, tok, meta); err != nil {
				p.logger.Warn("failed to persist refreshed token",
					slog.String("path", p.cfg.TokenPath),
					slog.String("error", err.Error()),
				)

				return
			}

			p.logger.Info("persisted refreshed token",
				slog.String("path", p.cfg.TokenPath),
				slog.Time("new_expiry", tok.Expiry),
			)
		},
	}
}

// AcquireInteractive runs the configured interactive flow, saves the token,
// and returns it under a fresh account ID.
func (p *OAuthProvider) AcquireInteractive(ctx context.Context, scopes []string) (Credential, error) {
	cfg := p.oauthConfig(scopes, nil)

	var (
		tok *oauth2.Token
		err error
	)

	if p.cfg.DeviceCode {
		tok, err = p.deviceLogin(ctx, cfg)
	} else {
		tok, err = p.browserLogin(ctx, cfg)
	}

	if err != nil {
		return Credential{}, err
	}

	account := Account{ID: uuid.NewString(), Handle: tok}

	if err := tokenfile.Save(p.cfg.TokenPath, tok, p.accountMeta(account)); err != nil {
		return Credential{}, fmt.Errorf("saving token: %w", err)
	}

	p.logger.Info("token saved",
		slog.String("path", p.cfg.TokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	return Credential{AccessToken: tok.AccessToken, ExpiresOn: tok.Expiry, Account: account}, nil
}

// deviceLogin performs the device code flow.
func (p *OAuthProvider) deviceLogin(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	p.logger.Info("starting device code auth flow")

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device auth request failed: %w", err)
	}

	p.logger.Info("device code received, waiting for user authorization")

	if p.display != nil {
		p.display(DeviceCode{
			UserCode:        da.UserCode,
			VerificationURL: da.VerificationURI,
			Message:         fmt.Sprintf("To sign in, visit %s and enter the code %s", da.VerificationURI, da.UserCode),
		})
	}

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device code authorization failed: %w", err)
	}

	return tok, nil
}

// browserLogin performs the authorization code + PKCE flow against a
// loopback callback server.
func (p *OAuthProvider) browserLogin(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	p.logger.Info("starting browser auth flow (authorization code + PKCE)")

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, mux, resultCh, p.logger)
	if err != nil {
		return nil, err
	}

	defer shutdownCallbackServer(srv, p.logger)

	redirect, err := loopbackRedirect(p.cfg.RedirectURI, port)
	if err != nil {
		return nil, err
	}

	cfg.RedirectURL = redirect

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("generating state token: %w", err)
	}

	registerCallbackHandler(mux, state, resultCh)

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	launchBrowser(authURL, p.openURL, p.logger)

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return nil, err
	}

	p.logger.Info("received authorization code, exchanging for token")

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	return tok, nil
}

// loopbackRedirect puts the bound port on the configured redirect base. The
// host must be a loopback name so the browser reaches the callback server.
func loopbackRedirect(base string, port int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URI: %w", err)
	}

	switch u.Hostname() {
	case "localhost", "127.0.0.1":
	default:
		return "", fmt.Errorf("redirect URI %q is not a loopback address", base)
	}

	u.Host = fmt.Sprintf("%s:%d", u.Hostname(), port)

	return u.String(), nil
}

// AcquireSilent returns the account's token, refreshing it when expired.
// The returned account carries the refreshed token as its handle.
func (p *OAuthProvider) AcquireSilent(ctx context.Context, scopes []string, account Account) (Credential, error) {
	tok, ok := account.Handle.(*oauth2.Token)
	if !ok || tok == nil {
		return Credential{}, errors.New("account was not issued by the oauth2 backend")
	}

	cfg := p.oauthConfig(scopes, p.accountMeta(account))

	fresh, err := cfg.TokenSource(ctx, tok).Token()
	if err != nil {
		return Credential{}, fmt.Errorf("refreshing token: %w", err)
	}

	account.Handle = fresh

	return Credential{AccessToken: fresh.AccessToken, ExpiresOn: fresh.Expiry, Account: account}, nil
}

// Accounts returns the account saved at TokenPath, if any.
func (p *OAuthProvider) Accounts(_ context.Context) ([]Account, error) {
	tok, meta, err := tokenfile.Load(p.cfg.TokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, nil
	}

	id := meta[tokenfile.MetaAccountID]
	if id == "" {
		// Token files written without metadata still identify one account.
		id = "oauth2:" + p.cfg.TokenPath
	}

	return []Account{{ID: id, Username: meta[tokenfile.MetaUsername], Handle: tok}}, nil
}

// RemoveAccount deletes the saved token.
func (p *OAuthProvider) RemoveAccount(_ context.Context, _ Account) error {
	if err := tokenfile.Remove(p.cfg.TokenPath); err != nil {
		return err
	}

	p.logger.Info("removed token file", slog.String("path", p.cfg.TokenPath))

	return nil
}

// RememberUsername records the resolved username next to the saved token so
// later runs can show who is signed in without a network call.
func (p *OAuthProvider) RememberUsername(username string) error {
	return tokenfile.MergeMeta(p.cfg.TokenPath, map[string]string{tokenfile.MetaUsername: username})
}

func (p *OAuthProvider) accountMeta(account Account) map[string]string {
	meta := map[string]string{
		tokenfile.MetaAccountID: account.ID,
		tokenfile.MetaTenant:    p.cfg.TenantID,
	}

	if account.Username != "" {
		meta[tokenfile.MetaUsername] = account.Username
	}

	return meta
}
