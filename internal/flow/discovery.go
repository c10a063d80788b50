package flow

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
)

// discover returns the provider metadata, fetching it once per scheme. Concurrent first requests share a single
// discovery call, which is not bound to the request so that one cancelled client does not fail the others.
func (rt *Router) discover(ctx context.Context, d providers.Descriptor) (*oidc.Provider, error) {
	rt.providersMu.RLock()
	p, ok := rt.providers[d.SchemeName]
	rt.providersMu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := rt.discoveries.Do(d.SchemeName, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), consts.MaxRequestDuration)
		defer cancel()

		p, err := oidc.NewProvider(oidc.ClientContext(ctx, rt.httpClient), d.AuthorityURL)
		if err != nil {
			return nil, err
		}

		rt.providersMu.Lock()
		rt.providers[d.SchemeName] = p
		rt.providersMu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, &RemoteFailure{Op: fmt.Sprintf("could not discover provider %q", d.SchemeName), Err: err}
	}
	return v.(*oidc.Provider), nil
}

// EndSessionEndpoint returns the end_session_endpoint the provider advertises, or an empty string.
func (rt *Router) EndSessionEndpoint(ctx context.Context, d providers.Descriptor) (string, error) {
	p, err := rt.discover(ctx, d)
	if err != nil {
		return "", err
	}

	var claims struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := p.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to get provider claims: %v", err)
	}
	return claims.EndSessionEndpoint, nil
}
