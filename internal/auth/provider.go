// Package auth acquires and caches bearer tokens for the signed-in identity.
//
// TokenProvider is a two-state machine. In the Unauthenticated state the next
// acquisition runs the backend's interactive flow and caches the returned
// account; in the Authenticated state acquisitions are silent and scoped to
// that account. The backends (MSAL for Go, golang.org/x/oauth2) live in this
// package too but are only reached through the Provider interface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/thumbphoto/internal/flight"
)

// Account identifies a signed-in identity. Handle is backend-specific and
// opaque to everything but the backend that produced it.
type Account struct {
	ID       string
	Username string
	Handle   any
}

// Credential is one acquired access token and the account it belongs to.
// Never log AccessToken.
type Credential struct {
	AccessToken string
	ExpiresOn   time.Time
	Account     Account
}

// Provider is the identity-provider collaborator.
type Provider interface {
	AcquireInteractive(ctx context.Context, scopes []string) (Credential, error)
	AcquireSilent(ctx context.Context, scopes []string, account Account) (Credential, error)
}

// AccountStore is implemented by providers whose credential cache outlives
// the process.
type AccountStore interface {
	Accounts(ctx context.Context) ([]Account, error)
	RemoveAccount(ctx context.Context, account Account) error
}

// State is the token-acquisition state.
type State int

// Token-acquisition states.
const (
	Unauthenticated State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}

	return "unauthenticated"
}

// flightKey is the single in-flight acquisition slot.
const flightKey = "token"

// TokenProvider hands out bearer tokens, running at most one acquisition at a
// time; concurrent callers share its result. Safe for concurrent use.
type TokenProvider struct {
	provider Provider
	scopes   []string
	fallback bool
	onChange func(Account)
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	account       Account
	lastAccountID string
	generation    uint64 // bumped by SignOut; stale acquisitions do not commit

	flight flight.Group
}

// Option configures a TokenProvider.
type Option func(*TokenProvider)

// WithInteractiveFallback makes a failed silent acquisition fall back to the
// interactive flow instead of surfacing the failure.
func WithInteractiveFallback(enabled bool) Option {
	return func(tp *TokenProvider) { tp.fallback = enabled }
}

// WithAccountChangeHook registers fn to run when a sign-in yields a
// different account than the previous one.
func WithAccountChangeHook(fn func(Account)) Option {
	return func(tp *TokenProvider) { tp.onChange = fn }
}

// NewTokenProvider creates an Unauthenticated TokenProvider.
func NewTokenProvider(p Provider, scopes []string, logger *slog.Logger, opts ...Option) *TokenProvider {
	if logger == nil {
		logger = slog.Default()
	}

	tp := &TokenProvider{
		provider: p,
		scopes:   append([]string(nil), scopes...),
		logger:   logger,
	}

	for _, opt := range opts {
		opt(tp)
	}

	return tp
}

// State returns the current state.
func (tp *TokenProvider) State() State {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	return tp.state
}

// Account returns the cached account, if any.
func (tp *TokenProvider) Account() (Account, bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	return tp.account, tp.state == Authenticated
}

// Token returns a bearer token for the signed-in identity.
func (tp *TokenProvider) Token(ctx context.Context) (string, error) {
	cred, err := tp.Acquire(ctx)
	if err != nil {
		return "", err
	}

	return cred.AccessToken, nil
}

// Acquire returns a credential, interactively when no account is cached and
// silently otherwise. Concurrent callers share one in-flight acquisition.
func (tp *TokenProvider) Acquire(ctx context.Context) (Credential, error) {
	v, shared, err := tp.flight.Do(ctx, flightKey, func(fctx context.Context) (any, error) {
		return tp.acquire(fctx)
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Credential{}, fmt.Errorf("auth: waiting for token: %w", err)
		}

		return Credential{}, err
	}

	if shared {
		tp.logger.Debug("shared in-flight token acquisition")
	}

	cred, _ := v.(Credential)

	return cred, nil
}

func (tp *TokenProvider) acquire(ctx context.Context) (Credential, error) {
	tp.mu.Lock()
	state, account, gen := tp.state, tp.account, tp.generation
	tp.mu.Unlock()

	if state == Unauthenticated {
		return tp.interactive(ctx, gen)
	}

	cred, err := tp.provider.AcquireSilent(ctx, tp.scopes, account)
	if err == nil {
		err = checkCredential(cred)
	}

	if err != nil {
		silentErr := &AuthError{Mode: ModeSilent, Err: err}

		if !tp.fallback || ctx.Err() != nil {
			tp.logger.Warn("silent token acquisition failed",
				slog.String("account", account.Username),
				slog.String("error", err.Error()),
			)

			return Credential{}, silentErr
		}

		tp.logger.Warn("silent token acquisition failed, falling back to interactive",
			slog.String("account", account.Username),
			slog.String("error", err.Error()),
		)

		return tp.interactive(ctx, gen)
	}

	// Backends may hand back a refreshed handle; keep the newest one.
	if cred.Account.ID == "" {
		cred.Account = account
	}

	if !tp.adopt(cred.Account, gen) {
		return Credential{}, &AuthError{Mode: ModeSilent, Err: errSignedOut}
	}

	tp.logger.Debug("token acquired silently", slog.Time("expires_on", cred.ExpiresOn))

	return cred, nil
}

func (tp *TokenProvider) interactive(ctx context.Context, gen uint64) (Credential, error) {
	tp.logger.Info("starting interactive sign-in")

	cred, err := tp.provider.AcquireInteractive(ctx, tp.scopes)
	if err == nil {
		err = checkCredential(cred)
	}

	if err == nil && cred.Account.ID == "" {
		err = errors.New("provider returned no account")
	}

	if err != nil {
		tp.logger.Warn("interactive sign-in failed", slog.String("error", err.Error()))
		return Credential{}, &AuthError{Mode: ModeInteractive, Err: err}
	}

	if !tp.adopt(cred.Account, gen) {
		tp.logger.Info("discarding sign-in that finished after sign-out",
			slog.String("account", cred.Account.Username),
		)

		return Credential{}, &AuthError{Mode: ModeInteractive, Err: errSignedOut}
	}

	tp.logger.Info("signed in",
		slog.String("account", cred.Account.Username),
		slog.Time("expires_on", cred.ExpiresOn),
	)

	return cred, nil
}

// errSignedOut fails an acquisition that SignOut overtook.
var errSignedOut = errors.New("signed out while the token was being acquired")

// adopt moves to Authenticated with account and fires the account-change
// hook when the account differs from the previously signed-in one. It
// refuses, returning false, when SignOut ran since generation gen.
func (tp *TokenProvider) adopt(account Account, gen uint64) bool {
	tp.mu.Lock()
	if tp.generation != gen {
		tp.mu.Unlock()
		return false
	}

	previous := tp.lastAccountID
	tp.state = Authenticated
	tp.account = account
	tp.lastAccountID = account.ID
	hook := tp.onChange
	tp.mu.Unlock()

	if hook != nil && previous != "" && previous != account.ID {
		tp.logger.Info("signed-in account changed", slog.String("account", account.Username))
		hook(account)
	}

	return true
}

func checkCredential(cred Credential) error {
	if cred.AccessToken == "" {
		return errors.New("provider returned an empty access token")
	}

	return nil
}

// Restore adopts an account already present in the provider's persistent
// cache, so a later Token call is silent. Returns false when the provider
// keeps no persistent cache or the cache holds no account. A provider that
// is already Authenticated is left unchanged.
func (tp *TokenProvider) Restore(ctx context.Context) (bool, error) {
	if tp.State() == Authenticated {
		return true, nil
	}

	store, ok := tp.provider.(AccountStore)
	if !ok {
		return false, nil
	}

	tp.mu.Lock()
	gen := tp.generation
	tp.mu.Unlock()

	accounts, err := store.Accounts(ctx)
	if err != nil {
		return false, fmt.Errorf("auth: listing cached accounts: %w", err)
	}

	if len(accounts) == 0 {
		tp.logger.Debug("no cached account to restore")
		return false, nil
	}

	if len(accounts) > 1 {
		tp.logger.Warn("multiple cached accounts, using the first",
			slog.Int("count", len(accounts)),
			slog.String("account", accounts[0].Username),
		)
	}

	if !tp.adopt(accounts[0], gen) {
		return false, nil
	}

	tp.logger.Debug("restored cached account", slog.String("account", accounts[0].Username))

	return true, nil
}

// SignOut returns to Unauthenticated and removes the account from the
// provider's persistent cache when it keeps one.
func (tp *TokenProvider) SignOut(ctx context.Context) error {
	tp.flight.Forget(flightKey)

	tp.mu.Lock()
	state, account := tp.state, tp.account
	tp.state = Unauthenticated
	tp.account = Account{}
	tp.generation++
	tp.mu.Unlock()

	store, ok := tp.provider.(AccountStore)
	if !ok {
		return nil
	}

	if state == Authenticated {
		if err := store.RemoveAccount(ctx, account); err != nil {
			return fmt.Errorf("auth: removing cached account: %w", err)
		}

		tp.logger.Info("signed out", slog.String("account", account.Username))

		return nil
	}

	// Not signed in this process; clear whatever the cache still holds.
	accounts, err := store.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("auth: listing cached accounts: %w", err)
	}

	for _, a := range accounts {
		if err := store.RemoveAccount(ctx, a); err != nil {
			return fmt.Errorf("auth: removing cached account: %w", err)
		}
	}

	tp.logger.Info("signed out", slog.Int("removed_accounts", len(accounts)))

	return nil
}
