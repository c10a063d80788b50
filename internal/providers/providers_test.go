package providers_test

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		modify func(d *providers.Descriptor)

		wantErr bool
	}{
		"Valid_descriptor":                  {},
		"Valid_public_client_with_pkce":     {modify: func(d *providers.Descriptor) { d.ClientSecret = ""; d.UsePKCE = true }},
		"Valid_with_extra_authorize_params": {modify: func(d *providers.Descriptor) { d.ExtraAuthorizeParams = map[string]string{"audience": "https://api"} }},

		"Error_when_scheme_is_empty":              {modify: func(d *providers.Descriptor) { d.SchemeName = "" }, wantErr: true},
		"Error_when_scheme_has_a_slash":           {modify: func(d *providers.Descriptor) { d.SchemeName = "a/b" }, wantErr: true},
		"Error_when_authority_is_not_http":        {modify: func(d *providers.Descriptor) { d.AuthorityURL = "ftp://idp" }, wantErr: true},
		"Error_when_client_id_is_empty":           {modify: func(d *providers.Descriptor) { d.ClientID = "" }, wantErr: true},
		"Error_when_secret_is_empty_without_pkce": {modify: func(d *providers.Descriptor) { d.ClientSecret = "" }, wantErr: true},
		"Error_when_response_type_is_not_code":    {modify: func(d *providers.Descriptor) { d.ResponseType = "id_token" }, wantErr: true},
		"Error_when_openid_scope_is_missing":      {modify: func(d *providers.Descriptor) { d.Scopes = []string{"profile"} }, wantErr: true},
		"Error_when_callback_is_not_local":        {modify: func(d *providers.Descriptor) { d.CallbackPath = "//evil/cb" }, wantErr: true},
		"Error_when_param_overrides_scope":        {modify: func(d *providers.Descriptor) { d.ExtraAuthorizeParams = map[string]string{"Scope": "all"} }, wantErr: true},
		"Error_when_logout_url_is_invalid":        {modify: func(d *providers.Descriptor) { d.Logout = &providers.Logout{URL: "nope", ReturnParam: "returnTo"} }, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			d := newDescriptor("keycloak")
			if tc.modify != nil {
				tc.modify(&d)
			}

			err := d.Validate()
			if tc.wantErr {
				require.Error(t, err, "Validate should fail")
				return
			}
			require.NoError(t, err, "Validate should not fail")
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	d := providers.Descriptor{SchemeName: "EntraID"}
	d.ApplyDefaults()

	require.Equal(t, "/signin-oidc-entraid", d.CallbackPath, "Unexpected default callback path")
	require.Equal(t, "/signout-callback-oidc-entraid", d.SignOutCallbackPath, "Unexpected default sign-out callback path")
	require.Equal(t, "/signout-oidc-entraid", d.RemoteSignOutPath, "Unexpected default remote sign-out path")
	require.Equal(t, "code", d.ResponseType, "Response type should default to code")
	require.Equal(t, []string{"openid", "profile", "email"}, d.Scopes, "Unexpected default scopes")
	require.Equal(t, "EntraID", d.DisplayName, "Display name should default to the scheme")
}

func TestClaimKey(t *testing.T) {
	t.Parallel()

	d := providers.Descriptor{ClaimTypeMap: map[string]string{providers.ClaimRole: "roles"}}

	require.Equal(t, "roles", d.ClaimKey(providers.ClaimRole), "Mapped claim should use the provider key")
	require.Equal(t, "name", d.ClaimKey(providers.ClaimName), "Unmapped claim should use the default key")
	require.Equal(t, "sub", d.ClaimKey(providers.ClaimSubject), "Subject should default to sub")
	require.Equal(t, "custom", d.ClaimKey("custom"), "Unknown claim should map to itself")
}

func TestLogValueRedactsSecret(t *testing.T) {
	t.Parallel()

	d := newDescriptor("Auth0")
	d.ClientSecret = "super-secret-value"

	got := fmt.Sprint(slog.AnyValue(d).Resolve())
	require.NotContains(t, got, "super-secret-value", "Log value should never contain the client secret")
	require.Contains(t, got, "Auth0", "Log value should contain the scheme")
}

func TestSettingsOverlay(t *testing.T) {
	t.Parallel()

	pkce := true
	tests := map[string]struct {
		settings providers.Settings

		wantScopes []string
		check      func(t *testing.T, d providers.Descriptor)
	}{
		"Scopes_are_merged_by_default": {
			settings:   providers.Settings{SchemeName: "x", Scopes: []string{"email", "api"}},
			wantScopes: []string{"openid", "profile", "email", "api"},
		},
		"Scopes_are_replaced_when_cleared": {
			settings:   providers.Settings{SchemeName: "x", ClearScopes: true, Scopes: []string{"openid", "api"}},
			wantScopes: []string{"openid", "api"},
		},
		"Explicit_values_override_defaults": {
			settings: providers.Settings{
				SchemeName:      "x",
				UsePKCE:         &pkce,
				Claims:          map[string]string{providers.ClaimName: "nickname"},
				AuthorizeParams: map[string]string{"audience": "https://api"},
				LogoutURL:       "https://idp/logout",
			},
			wantScopes: []string{"openid", "profile", "email"},
			check: func(t *testing.T, d providers.Descriptor) {
				t.Helper()
				require.True(t, d.UsePKCE, "PKCE should be enabled")
				require.Equal(t, "nickname", d.ClaimKey(providers.ClaimName), "Claim should be remapped")
				require.Equal(t, "https://api", d.ExtraAuthorizeParams["audience"], "Authorize param should be set")
				require.Equal(t, "post_logout_redirect_uri", d.Logout.ReturnParam, "Logout should use the standard return parameter")
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			d := providers.Descriptor{}
			d.ApplyDefaults()
			tc.settings.Overlay(&d)

			require.Equal(t, tc.wantScopes, d.Scopes, "Unexpected scopes")
			if tc.check != nil {
				tc.check(t, d)
			}
		})
	}
}
