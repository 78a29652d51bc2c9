package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// PrincipalResolver supplies the signed-in principal. IdentityResolver
// implements it.
type PrincipalResolver interface {
	ResolveSelf(ctx context.Context) (Principal, error)
}

// PhotoClient reads and writes the signed-in user's thumbnail photo in one
// tenant. Safe for concurrent use.
type PhotoClient struct {
	client    *Client
	identity  PrincipalResolver
	endpoints Endpoints
	tenant    string
	logger    *slog.Logger
}

// NewPhotoClient creates a PhotoClient for tenant.
func NewPhotoClient(
	client *Client, identity PrincipalResolver, endpoints Endpoints, tenant string, logger *slog.Logger,
) (*PhotoClient, error) {
	if tenant == "" {
		return nil, errors.New("graph: photo client needs a tenant")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PhotoClient{
		client:    client,
		identity:  identity,
		endpoints: endpoints,
		tenant:    tenant,
		logger:    logger,
	}, nil
}

// Tenant returns the tenant the client operates in.
func (c *PhotoClient) Tenant() string {
	return c.tenant
}

// Get downloads the photo. It returns (nil, nil) when the user has no photo.
func (c *PhotoClient) Get(ctx context.Context) (*Photo, error) {
	photoURL, upn, err := c.photoURL(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(ctx, http.MethodGet, photoURL, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Info("no photo set", slog.String("user_principal_name", upn))
			return nil, nil //nolint:nilnil // absent photo is not an error
		}

		return nil, fmt.Errorf("graph: getting photo: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading photo: %w", err)
	}

	c.logger.Debug("downloaded photo",
		slog.String("user_principal_name", upn),
		slog.Int("bytes", len(data)),
	)

	return &Photo{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// Upload replaces the photo with data, sent as-is.
func (c *PhotoClient) Upload(ctx context.Context, data []byte) error {
	if err := c.put(ctx, data); err != nil {
		return fmt.Errorf("graph: uploading photo: %w", err)
	}

	return nil
}

// Delete clears the photo. On the wire this is an upload of an empty body.
func (c *PhotoClient) Delete(ctx context.Context) error {
	if err := c.put(ctx, nil); err != nil {
		return fmt.Errorf("graph: deleting photo: %w", err)
	}

	return nil
}

func (c *PhotoClient) put(ctx context.Context, data []byte) error {
	photoURL, upn, err := c.photoURL(ctx)
	if err != nil {
		return err
	}

	var body io.ReadSeeker
	if len(data) > 0 {
		body = bytes.NewReader(data)
	}

	headers := http.Header{"Content-Type": {PhotoContentType}}

	resp, err := c.client.DoWithHeaders(ctx, http.MethodPut, photoURL, body, headers)
	if err != nil {
		return err
	}

	resp.Body.Close()

	c.logger.Debug("put photo",
		slog.String("user_principal_name", upn),
		slog.Int("bytes", len(data)),
		slog.Int("status", resp.StatusCode),
	)

	return nil
}

// photoURL resolves the principal and renders the photo URL for it.
func (c *PhotoClient) photoURL(ctx context.Context) (string, string, error) {
	p, err := c.identity.ResolveSelf(ctx)
	if err != nil {
		return "", "", err
	}

	if p.UserPrincipalName == "" {
		return "", "", &LookupError{Reason: "principal has no userPrincipalName"}
	}

	u, err := c.endpoints.PhotoURL(c.tenant, p.UserPrincipalName)
	if err != nil {
		return "", "", err
	}

	return u, p.UserPrincipalName, nil
}
