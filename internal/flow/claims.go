package flow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
	"github.com/ubuntu/oidc-federation-broker/internal/session"
	"golang.org/x/oauth2"
)

// collectClaims returns the ID token claims, completed with the userinfo ones if the descriptor asks for it.
func (rt *Router) collectClaims(ctx context.Context, p *oidc.Provider, d providers.Descriptor, idToken *oidc.IDToken, token *oauth2.Token) (map[string]any, error) {
	claims := make(map[string]any)
	if err := idToken.Claims(&claims); err != nil {
		return nil, localFailure("could not parse ID token claims", err)
	}

	if !d.FetchClaimsFromUserInfoEndpoint || p.UserInfoEndpoint() == "" {
		return claims, nil
	}

	ui, err := p.UserInfo(oidc.ClientContext(ctx, rt.httpClient), oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, &RemoteFailure{Op: "could not fetch user info", Err: err}
	}
	if ui.Subject != idToken.Subject {
		return nil, localFailure("user info subject does not match the ID token one", nil)
	}

	uiClaims := make(map[string]any)
	if err := ui.Claims(&uiClaims); err != nil {
		return nil, localFailure("could not parse user info claims", err)
	}
	for k, v := range uiClaims {
		if _, ok := claims[k]; !ok {
			claims[k] = v
		}
	}
	return claims, nil
}

// buildPrincipal maps the provider claims to an external principal.
func (rt *Router) buildPrincipal(a *Attempt, d providers.Descriptor, idToken *oidc.IDToken, rawIDToken string, token *oauth2.Token, claims map[string]any) session.Principal {
	p := session.Principal{
		Kind:            session.KindExternal,
		CorrelationID:   a.CorrelationID,
		SchemeName:      d.SchemeName,
		Issuer:          d.ClaimsIssuer,
		Subject:         stringClaim(claims, d.ClaimKey(providers.ClaimSubject)),
		Name:            stringClaim(claims, d.ClaimKey(providers.ClaimName)),
		Email:           stringClaim(claims, d.ClaimKey(providers.ClaimEmail)),
		Roles:           stringsClaim(claims, d.ClaimKey(providers.ClaimRole)),
		Claims:          maps.Clone(claims),
		AuthenticatedAt: rt.now(),
	}
	if p.Subject == "" {
		p.Subject = idToken.Subject
	}
	if p.Issuer == "" {
		p.Issuer = idToken.Issuer
	}

	if d.SaveTokens {
		p.Tokens = &session.Tokens{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			IDToken:      rawIDToken,
			TokenType:    token.Type(),
			Expiry:       token.Expiry,
		}
	}
	return p
}

func stringClaim(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// scopeClaims hold space delimited lists.
var scopeClaims = []string{"scope", "scp"}

// stringsClaim accepts a list or a single value. Only scope claims are split on spaces.
func stringsClaim(claims map[string]any, key string) []string {
	var out []string
	switch v := claims[key].(type) {
	case string:
		if slices.Contains(scopeClaims, key) {
			return strings.Fields(v)
		}
		if v = strings.TrimSpace(v); v != "" {
			out = []string{v}
		}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = slices.Clone(v)
	}
	return out
}

func mergeRoles(roles []string, extra ...string) []string {
	for _, r := range extra {
		if !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	return roles
}
