package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/public"

	"github.com/tonimelisma/thumbphoto/internal/tokenfile"
)

// DeviceCode holds what the CLI shows the user during a device-code sign-in.
type DeviceCode struct {
	UserCode        string
	VerificationURL string
	Message         string
}

// MSALConfig configures the MSAL public client.
type MSALConfig struct {
	ClientID    string
	Authority   string // tenant-scoped, e.g. https://login.microsoftonline.com/contoso.onmicrosoft.com
	RedirectURI string
	DeviceCode  bool   // use the device-code flow instead of the system browser
	CachePath   string // empty disables the persistent cache
}

// MSALProvider is a Provider backed by MSAL for Go. Its token cache is
// persisted to CachePath, which makes it an AccountStore.
type MSALProvider struct {
	client      public.Client
	redirectURI string
	deviceCode  bool
	display     func(DeviceCode)
	openURL     func(string) error
	logger      *slog.Logger
}

// NewMSALProvider builds the MSAL public client. display is called with the
// device code when DeviceCode is set; openURL launches the browser for the
// interactive flow (nil uses MSAL's default).
func NewMSALProvider(
	cfg MSALConfig,
	display func(DeviceCode),
	openURL func(string) error,
	logger *slog.Logger,
) (*MSALProvider, error) {
	opts := []public.Option{public.WithAuthority(cfg.Authority)}

	if cfg.CachePath != "" {
		opts = append(opts, public.WithCache(&fileCache{path: cfg.CachePath, logger: logger}))
	}

	client, err := public.New(cfg.ClientID, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: creating MSAL client: %w", err)
	}

	logger.Debug("MSAL client ready",
		slog.String("authority", cfg.Authority),
		slog.Bool("device_code", cfg.DeviceCode),
		slog.Bool("persistent_cache", cfg.CachePath != ""),
	)

	return &MSALProvider{
		client:      client,
		redirectURI: cfg.RedirectURI,
		deviceCode:  cfg.DeviceCode,
		display:     display,
		openURL:     openURL,
		logger:      logger,
	}, nil
}

// AcquireInteractive signs the user in through the browser or device code.
func (p *MSALProvider) AcquireInteractive(ctx context.Context, scopes []string) (Credential, error) {
	if p.deviceCode {
		return p.acquireByDeviceCode(ctx, scopes)
	}

	opts := []public.AcquireInteractiveOption{public.WithRedirectURI(p.redirectURI)}
	if p.openURL != nil {
		opts = append(opts, public.WithOpenURL(p.openURL))
	}

	res, err := p.client.AcquireTokenInteractive(ctx, scopes, opts...)
	if err != nil {
		return Credential{}, fmt.Errorf("msal interactive: %w", err)
	}

	return fromAuthResult(res), nil
}

func (p *MSALProvider) acquireByDeviceCode(ctx context.Context, scopes []string) (Credential, error) {
	dc, err := p.client.AcquireTokenByDeviceCode(ctx, scopes)
	if err != nil {
		return Credential{}, fmt.Errorf("msal device code request: %w", err)
	}

	p.logger.Info("device code received, waiting for user authorization")

	if p.display != nil {
		p.display(DeviceCode{
			UserCode:        dc.Result.UserCode,
			VerificationURL: dc.Result.VerificationURL,
			Message:         dc.Result.Message,
		})
	}

	res, err := dc.AuthenticationResult(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("msal device code authorization: %w", err)
	}

	return fromAuthResult(res), nil
}

// AcquireSilent returns a cached or refreshed token for account.
func (p *MSALProvider) AcquireSilent(ctx context.Context, scopes []string, account Account) (Credential, error) {
	msalAccount, ok := account.Handle.(public.Account)
	if !ok {
		return Credential{}, errors.New("account was not issued by MSAL")
	}

	res, err := p.client.AcquireTokenSilent(ctx, scopes, public.WithSilentAccount(msalAccount))
	if err != nil {
		return Credential{}, fmt.Errorf("msal silent: %w", err)
	}

	return fromAuthResult(res), nil
}

// Accounts lists the accounts in MSAL's cache.
func (p *MSALProvider) Accounts(ctx context.Context) ([]Account, error) {
	msalAccounts, err := p.client.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("msal accounts: %w", err)
	}

	accounts := make([]Account, 0, len(msalAccounts))
	for _, a := range msalAccounts {
		accounts = append(accounts, fromMSALAccount(a))
	}

	return accounts, nil
}

// RemoveAccount drops account from MSAL's cache.
func (p *MSALProvider) RemoveAccount(ctx context.Context, account Account) error {
	msalAccount, ok := account.Handle.(public.Account)
	if !ok {
		return errors.New("account was not issued by MSAL")
	}

	if err := p.client.RemoveAccount(ctx, msalAccount); err != nil {
		return fmt.Errorf("msal remove account: %w", err)
	}

	return nil
}

func fromAuthResult(res public.AuthResult) Credential {
	return Credential{
		AccessToken: res.AccessToken,
		ExpiresOn:   res.ExpiresOn,
		Account:     fromMSALAccount(res.Account),
	}
}

func fromMSALAccount(a public.Account) Account {
	return Account{
		ID:       a.HomeAccountID,
		Username: a.PreferredUsername,
		Handle:   a,
	}
}

// fileCache persists MSAL's serialized cache through tokenfile. MSAL calls
// Replace before reading its cache and Export after writing it.
type fileCache struct {
	path   string
	logger *slog.Logger
}

func (c *fileCache) Replace(_ context.Context, u cache.Unmarshaler, _ cache.ReplaceHints) error {
	data, err := tokenfile.ReadBlob(c.path)
	if err != nil {
		return err
	}

	if data == nil {
		return nil
	}

	if err := u.Unmarshal(data); err != nil {
		return fmt.Errorf("auth: decoding MSAL cache %s: %w", c.path, err)
	}

	return nil
}

func (c *fileCache) Export(_ context.Context, m cache.Marshaler, _ cache.ExportHints) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("auth: encoding MSAL cache: %w", err)
	}

	if err := tokenfile.WriteBlob(c.path, data); err != nil {
		return err
	}

	c.logger.Debug("persisted MSAL cache", slog.String("path", c.path))

	return nil
}
