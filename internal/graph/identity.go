package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tonimelisma/thumbphoto/internal/flight"
)

// maxIdentityBody caps how much of a /me response is read.
const maxIdentityBody = 1 << 20

// IdentityResolver resolves the caller's Principal once and serves it from
// memory afterwards. Safe for concurrent use.
type IdentityResolver struct {
	client    *Client
	endpoints Endpoints
	logger    *slog.Logger

	mu         sync.Mutex
	principal  *Principal
	generation uint64

	flight flight.Group
}

// NewIdentityResolver creates a resolver with nothing cached.
func NewIdentityResolver(client *Client, endpoints Endpoints, logger *slog.Logger) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &IdentityResolver{client: client, endpoints: endpoints, logger: logger}
}

// ResolveSelf returns the cached Principal, looking it up on first use.
// Concurrent first calls share one request. Lookup failures are not cached.
func (r *IdentityResolver) ResolveSelf(ctx context.Context) (Principal, error) {
	r.mu.Lock()
	if r.principal != nil {
		p := *r.principal
		r.mu.Unlock()

		return p, nil
	}

	gen := r.generation
	r.mu.Unlock()

	v, _, err := r.flight.Do(ctx, fmt.Sprint(gen), func(fctx context.Context) (any, error) {
		return r.lookup(fctx, gen)
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Principal{}, fmt.Errorf("graph: waiting for identity lookup: %w", err)
		}

		return Principal{}, err
	}

	p, _ := v.(Principal)

	return p, nil
}

// Invalidate drops the cached Principal. A lookup already in flight still
// answers its callers but its result is not stored.
func (r *IdentityResolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.principal = nil
	r.generation++

	r.logger.Debug("identity cache invalidated")
}

// Cached returns the memoized Principal without a network call.
func (r *IdentityResolver) Cached() (Principal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.principal == nil {
		return Principal{}, false
	}

	return *r.principal, true
}

func (r *IdentityResolver) lookup(ctx context.Context, gen uint64) (Principal, error) {
	r.logger.Debug("resolving signed-in identity")

	resp, err := r.client.Do(ctx, http.MethodGet, r.endpoints.MeURL(), nil)
	if err != nil {
		return Principal{}, fmt.Errorf("graph: identity lookup: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIdentityBody))
	if err != nil {
		return Principal{}, fmt.Errorf("graph: reading identity response: %w", err)
	}

	p, err := decodePrincipal(body)
	if err != nil {
		return Principal{}, err
	}

	if p.ObjectID == "" {
		r.logger.Warn("identity response has no objectId",
			slog.String("user_principal_name", p.UserPrincipalName),
		)
	}

	r.mu.Lock()
	if r.generation == gen {
		r.principal = &p
	}
	r.mu.Unlock()

	r.logger.Info("resolved signed-in identity", slog.String("user_principal_name", p.UserPrincipalName))

	return p, nil
}

func decodePrincipal(body []byte) (Principal, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Principal{}, &LookupError{Reason: "empty response"}
	}

	var p Principal
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return Principal{}, &LookupError{Reason: "malformed response", Err: err}
	}

	if p.UserPrincipalName == "" {
		return Principal{}, &LookupError{Reason: "response has no userPrincipalName"}
	}

	return p, nil
}
