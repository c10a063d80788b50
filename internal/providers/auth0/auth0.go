// Package auth0 is the Auth0 preset.
package auth0

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ubuntu/decorate"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
)

// Type is the provider type selecting this preset in the configuration.
const Type = "auth0"

// New returns the descriptor of an Auth0 tenant.
//
// Settings keys: domain (required). Auth0 does not advertise an end_session_endpoint, so the /v2/logout endpoint is
// used with returnTo and client_id.
func New(s providers.Settings) (d providers.Descriptor, err error) {
	defer decorate.OnError(&err, "invalid %s provider %q", Type, s.SchemeName)

	domain := strings.TrimSuffix(strings.TrimPrefix(s.Get("domain"), "https://"), "/")
	if domain == "" {
		return providers.Descriptor{}, errors.New("domain is required")
	}

	d = providers.Descriptor{
		Type:                            Type,
		AuthorityURL:                    fmt.Sprintf("https://%s/", domain),
		Scopes:                          providers.MergeScopes(consts.DefaultScopes),
		UsePKCE:                         true,
		FetchClaimsFromUserInfoEndpoint: true,
		SaveTokens:                      true,
		ClaimsIssuer:                    "Auth0",
		Logout: &providers.Logout{
			URL:           fmt.Sprintf("https://%s/v2/logout", domain),
			ReturnParam:   "returnTo",
			ClientIDParam: "client_id",
		},
	}

	s.Overlay(&d)
	d.ApplyDefaults()
	return d, nil
}
