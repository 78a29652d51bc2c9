package graph

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Default Azure AD Graph location.
const (
	DefaultBaseURL    = "https://graph.windows.net"
	DefaultAPIVersion = "1.6"
)

// Endpoints renders the URLs this package calls. It holds configuration
// only and is safe to share.
type Endpoints struct {
	BaseURL    string
	APIVersion string
}

// NewEndpoints validates baseURL and returns Endpoints for it. Empty values
// fall back to the defaults.
func NewEndpoints(baseURL, apiVersion string) (Endpoints, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return Endpoints{}, fmt.Errorf("graph: parsing base URL: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return Endpoints{}, fmt.Errorf("graph: base URL %q must be absolute", baseURL)
	}

	return Endpoints{BaseURL: strings.TrimRight(baseURL, "/"), APIVersion: apiVersion}, nil
}

// MeURL is the "who am I" lookup: {base}/me?api-version={v}.
func (e Endpoints) MeURL() string {
	return e.BaseURL + "/me?" + e.query()
}

// PhotoURL is {base}/{tenant}/users/{upn}/thumbnailPhoto?api-version={v}
// with both path segments percent-encoded. The tenant is NFC-normalized
// first; the user principal name is sent byte for byte as resolved.
func (e Endpoints) PhotoURL(tenant, userPrincipalName string) (string, error) {
	if tenant == "" {
		return "", errors.New("graph: empty tenant")
	}

	if userPrincipalName == "" {
		return "", errors.New("graph: empty user principal name")
	}

	return e.BaseURL + "/" + EscapeSegment(norm.NFC.String(tenant)) + "/users/" + EscapeSegment(userPrincipalName) +
		"/thumbnailPhoto?" + e.query(), nil
}

func (e Endpoints) query() string {
	return url.Values{"api-version": {e.APIVersion}}.Encode()
}

const upperhex = "0123456789ABCDEF"

// EscapeSegment percent-encodes s as a single path segment. RFC 3986
// unreserved characters are kept and every other byte becomes %XX. Unlike
// url.PathEscape, "@", "+", ":" and "$" are encoded.
func EscapeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 3)

	for i := range len(s) {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}

		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}

	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	default:
		return false
	}
}
