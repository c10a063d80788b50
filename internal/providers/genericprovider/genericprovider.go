// Package genericprovider is the preset for any standard OIDC provider.
package genericprovider

import (
	"errors"

	"github.com/ubuntu/decorate"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
)

// Type is the provider type selecting this preset in the configuration.
const Type = "generic"

// New returns a descriptor built only from the explicit settings.
func New(s providers.Settings) (d providers.Descriptor, err error) {
	defer decorate.OnError(&err, "invalid %s provider %q", Type, s.SchemeName)

	if s.Authority == "" {
		return providers.Descriptor{}, errors.New("authority is required")
	}

	d = providers.Descriptor{
		Type:    Type,
		Scopes:  providers.MergeScopes(consts.DefaultScopes),
		UsePKCE: true,
	}
	s.Overlay(&d)
	d.ApplyDefaults()
	return d, nil
}
