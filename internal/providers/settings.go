package providers

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Settings is the per-provider configuration from which presets build a Descriptor.
//
// Pointers are nil when the value was not configured and the preset default applies.
type Settings struct {
	SchemeName   string
	DisplayName  string
	Authority    string
	ClientID     string
	ClientSecret string

	Scopes      []string
	ClearScopes bool

	UsePKCE    *bool
	UserInfo   *bool
	SaveTokens *bool

	CallbackPath        string
	SignOutCallbackPath string
	RemoteSignOutPath   string

	ClaimsIssuer      string
	LogoutURL         string
	LogoutReturnParam string

	Claims          map[string]string
	AuthorizeParams map[string]string

	// Extra holds the preset specific keys (tenant_id, domain, realm…).
	Extra map[string]string
}

// Get returns the preset specific setting key.
func (s Settings) Get(key string) string {
	return s.Extra[key]
}

// Bool returns the preset specific boolean setting key, or def if unset.
func (s Settings) Bool(key string, def bool) (bool, error) {
	v, ok := s.Extra[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %q: %v", key, err)
	}
	return b, nil
}

// Overlay applies the explicitly configured settings on top of the preset defaults in d.
func (s Settings) Overlay(d *Descriptor) {
	d.SchemeName = s.SchemeName
	if s.DisplayName != "" {
		d.DisplayName = s.DisplayName
	}
	if s.Authority != "" {
		d.AuthorityURL = s.Authority
	}
	if s.ClientID != "" {
		d.ClientID = s.ClientID
	}
	if s.ClientSecret != "" {
		d.ClientSecret = s.ClientSecret
	}

	if s.ClearScopes {
		d.Scopes = slices.Clone(s.Scopes)
	} else {
		d.Scopes = MergeScopes(d.Scopes, s.Scopes...)
	}

	if s.UsePKCE != nil {
		d.UsePKCE = *s.UsePKCE
	}
	if s.UserInfo != nil {
		d.FetchClaimsFromUserInfoEndpoint = *s.UserInfo
	}
	if s.SaveTokens != nil {
		d.SaveTokens = *s.SaveTokens
	}

	if s.CallbackPath != "" {
		d.CallbackPath = s.CallbackPath
	}
	if s.SignOutCallbackPath != "" {
		d.SignOutCallbackPath = s.SignOutCallbackPath
	}
	if s.RemoteSignOutPath != "" {
		d.RemoteSignOutPath = s.RemoteSignOutPath
	}
	if s.ClaimsIssuer != "" {
		d.ClaimsIssuer = s.ClaimsIssuer
	}

	if s.LogoutURL != "" {
		if d.Logout == nil {
			d.Logout = &Logout{ReturnParam: "post_logout_redirect_uri", ClientIDParam: "client_id"}
		}
		d.Logout.URL = s.LogoutURL
	}
	if s.LogoutReturnParam != "" && d.Logout != nil {
		d.Logout.ReturnParam = s.LogoutReturnParam
	}

	if len(s.Claims) > 0 {
		if d.ClaimTypeMap == nil {
			d.ClaimTypeMap = make(map[string]string, len(s.Claims))
		}
		maps.Copy(d.ClaimTypeMap, s.Claims)
	}
	if len(s.AuthorizeParams) > 0 {
		if d.ExtraAuthorizeParams == nil {
			d.ExtraAuthorizeParams = make(map[string]string, len(s.AuthorizeParams))
		}
		maps.Copy(d.ExtraAuthorizeParams, s.AuthorizeParams)
	}
}
