package flow

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ubuntu/oidc-federation-broker/internal/providers"
	"github.com/ubuntu/oidc-federation-broker/internal/session"
	"golang.org/x/oauth2"
)

// RedirectContext is given to OnRedirectToIdentityProvider.
type RedirectContext struct {
	Attempt    *Attempt
	Descriptor providers.Descriptor
	// Params is the query of the authorize request. Changes to the protected OAuth parameters (client id, scope,
	// state…) are discarded.
	Params url.Values
}

// Events are hooks called at each step of the flow. Hooks returning ErrDenied deny the authentication, any other
// error fails it.
type Events struct {
	OnRedirectToIdentityProvider func(ctx context.Context, rc *RedirectContext) error
	OnMessageReceived            func(r *http.Request, a *Attempt, d providers.Descriptor) error
	OnTokenResponseReceived      func(ctx context.Context, a *Attempt, token *oauth2.Token) error
	OnTicketReceived             func(ctx context.Context, a *Attempt, p *session.Principal) error

	// OnAuthenticationFailed is notified of every failure, after the response was written.
	OnAuthenticationFailed func(ctx context.Context, a *Attempt, err error)
	// OnDenied writes the response of a denied attempt. A 403 is returned when unset.
	OnDenied func(w http.ResponseWriter, r *http.Request, a *Attempt)
}
