// Package signout builds the provider logout URLs.
package signout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/ubuntu/decorate"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
	"github.com/ubuntu/oidc-federation-broker/internal/urlutil"
)

var (
	// ErrReturnToNotAllowed is returned when the return URL is neither same-origin nor allow-listed.
	ErrReturnToNotAllowed = errors.New("return URL is not allowed")
	// ErrSignOutNotSupported is returned when the provider has no logout endpoint. Sign-out is then local only.
	ErrSignOutNotSupported = errors.New("provider does not support remote sign-out")
)

const (
	postLogoutRedirectParam = "post_logout_redirect_uri"
	clientIDParam           = "client_id"
)

// EndpointResolver returns the end_session_endpoint advertised by a provider, or an empty string.
type EndpointResolver interface {
	EndSessionEndpoint(ctx context.Context, d providers.Descriptor) (string, error)
}

// Composer builds logout URLs.
type Composer struct {
	pathBase       string
	allowedOrigins []string
	trustForwarded bool
	resolver       EndpointResolver
}

// Option configures a Composer.
type Option func(*Composer)

// WithPathBase sets the path base used to make relative return URLs absolute.
func WithPathBase(pathBase string) Option {
	return func(c *Composer) {
		c.pathBase = pathBase
	}
}

// WithAllowedOrigins allows return URLs on other origins than the request one.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *Composer) {
		for _, o := range origins {
			u, err := urlutil.ParseAndValidateURL(o)
			if err != nil {
				continue
			}
			c.allowedOrigins = append(c.allowedOrigins, urlutil.OriginOf(u))
		}
	}
}

// WithTrustForwardedHeaders uses X-Forwarded-Proto and X-Forwarded-Host to compute the request origin.
func WithTrustForwardedHeaders(trust bool) Option {
	return func(c *Composer) {
		c.trustForwarded = trust
	}
}

// WithEndpointResolver sets how discovery end session endpoints are found.
func WithEndpointResolver(r EndpointResolver) Option {
	return func(c *Composer) {
		c.resolver = r
	}
}

// New returns a Composer.
func New(opts ...Option) *Composer {
	c := &Composer{}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ReturnURL returns the absolute form of returnTo after checking it is allowed. An empty returnTo stays empty.
func (c *Composer) ReturnURL(r *http.Request, returnTo string) (string, error) {
	if returnTo == "" {
		return "", nil
	}
	if urlutil.IsLocalPath(returnTo) {
		return urlutil.Absolute(r, c.trustForwarded, c.pathBase, returnTo), nil
	}

	u, err := urlutil.ParseAndValidateURL(returnTo)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReturnToNotAllowed, err)
	}
	origin := urlutil.OriginOf(u)
	if origin == urlutil.Origin(r, c.trustForwarded) || slices.Contains(c.allowedOrigins, origin) {
		return u.String(), nil
	}
	return "", fmt.Errorf("%w: %s", ErrReturnToNotAllowed, origin)
}

// ComposeLogoutURL returns the provider URL ending the user session, which sends the user back to returnTo.
func (c *Composer) ComposeLogoutURL(r *http.Request, d providers.Descriptor, returnTo string) (logoutURL string, err error) {
	defer decorate.OnError(&err, "could not compose logout URL for %q", d.SchemeName)

	returnTo, err = c.ReturnURL(r, returnTo)
	if err != nil {
		return "", err
	}

	endpoint, returnParam, clientParam := "", postLogoutRedirectParam, clientIDParam
	switch {
	case d.Logout != nil:
		endpoint, returnParam, clientParam = d.Logout.URL, d.Logout.ReturnParam, d.Logout.ClientIDParam
	case c.resolver != nil:
		if endpoint, err = c.resolver.EndSessionEndpoint(r.Context(), d); err != nil {
			return "", err
		}
	}
	if endpoint == "" {
		return "", ErrSignOutNotSupported
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if clientParam != "" {
		q.Set(clientParam, d.ClientID)
	}
	if returnTo != "" {
		q.Set(returnParam, returnTo)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
