// Package keycloak is the Keycloak preset.
package keycloak

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ubuntu/decorate"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
)

// Type is the provider type selecting this preset in the configuration.
const Type = "keycloak"

// New returns the descriptor of a Keycloak realm.
//
// Settings keys: base_url and realm, both required unless authority is set.
func New(s providers.Settings) (d providers.Descriptor, err error) {
	defer decorate.OnError(&err, "invalid %s provider %q", Type, s.SchemeName)

	authority := s.Authority
	if authority == "" {
		baseURL, realm := strings.TrimSuffix(s.Get("base_url"), "/"), s.Get("realm")
		if baseURL == "" || realm == "" {
			return providers.Descriptor{}, errors.New("base_url and realm are required")
		}
		authority = fmt.Sprintf("%s/realms/%s", baseURL, realm)
	}

	d = providers.Descriptor{
		Type:         Type,
		AuthorityURL: authority,
		Scopes:       providers.MergeScopes(consts.DefaultScopes),
		UsePKCE:      true,
		SaveTokens:   true,
		ClaimTypeMap: map[string]string{
			providers.ClaimName: "preferred_username",
			providers.ClaimRole: "roles",
		},
	}

	s.Overlay(&d)
	d.ApplyDefaults()
	return d, nil
}
