package broker

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ubuntu/oidc-federation-broker/internal/providers"
	"github.com/ubuntu/oidc-federation-broker/internal/providers/auth0"
	"github.com/ubuntu/oidc-federation-broker/internal/providers/genericprovider"
	"github.com/ubuntu/oidc-federation-broker/internal/providers/keycloak"
	"github.com/ubuntu/oidc-federation-broker/internal/providers/msentraid"
)

type preset func(providers.Settings) (providers.Descriptor, error)

var presets = map[string]preset{
	msentraid.Type:       msentraid.New,
	auth0.Type:           auth0.New,
	keycloak.Type:        keycloak.New,
	genericprovider.Type: genericprovider.New,
}

// brokerOwner owns the routes served by the broker itself in the registry.
const brokerOwner = "broker"

// servicePaths are served next to the broker routes when the broker is mounted at the root.
var servicePaths = []string{"/healthz", "/metrics"}

// newRegistry builds and seals the registry of the configured providers. Provider paths can't shadow the routes
// of the broker.
func newRegistry(cfg brokerConfig) (*providers.Registry, error) {
	reg := providers.NewRegistry()

	reserved := []string{"/signin/", "/signout/", "/session", "/providers", cfg.errorPath}
	if cfg.pathBase == "" {
		reserved = append(reserved, servicePaths...)
	}
	if err := reg.Reserve(brokerOwner, reserved...); err != nil {
		return nil, err
	}

	for _, p := range cfg.providers {
		newDescriptor, ok := presets[p.typ]
		if !ok {
			return nil, fmt.Errorf("provider %q has unknown type %q, expected one of %v", p.settings.SchemeName, p.typ, slices.Sorted(maps.Keys(presets)))
		}
		d, err := newDescriptor(p.settings)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}
