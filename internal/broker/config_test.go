package broker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
)

var configTypes = map[string]string{
	"valid": `
[broker]
providers = EntraID, Auth0
allowed_return_origins = https://app.example.org, https://other.example.org

[session]
ttl = 1h

[provider.EntraID]
type = msentraid
tenant_id = tenant
client_id = entra-client
client_secret = entra-secret
fetch_groups = true

[provider.Auth0]
type = auth0
domain = tenant.eu.auth0.com
client_id = auth0-client
clear_scopes = true
scopes = openid, profile, email, auth0-user-api-one
use_pkce = false

[provider.Auth0.authorize_params]
audience = https://auth0-api1

[provider.Auth0.claims]
name = nickname

[provider.keycloak]
type = keycloak
base_url = http://localhost:8080
realm = demo
`,

	"all_providers_active": `
[provider.keycloak]
type = keycloak
base_url = http://localhost:8080
realm = demo
client_id = kc
`,

	"redis": `
[broker]
path_base = /auth/
error_path = /oops
trust_forwarded_headers = true
verbose_pii = true
cookie_hash_key = 00112233445566778899aabbccddeeff
cookie_block_key = 00112233445566778899aabbccddeeff

[session]
store = redis
redis_addr = localhost:6379
redis_db = 2
redis_prefix = app

[provider.keycloak]
type = keycloak
base_url = http://localhost:8080
realm = demo
client_id = kc
`,

	"singles": `
[provider.keycloak]
type = keycloak
authority = https://KEYCLOAK_URL>
client_id = <CLIENT_ID
`,

	"template": `
[provider.keycloak]
type = keycloak
authority = https://<KEYCLOAK_URL>
client_id = <CLIENT_ID>
`,

	"overwrite_lower_precedence": `
[provider.EntraID]
client_id = lower-precedence-client
`,

	"overwrite_higher_precedence": `
[provider.EntraID]
client_id = higher-precedence-client
`,

	"invalid_boolean_value": `
[provider.keycloak]
type = keycloak
use_pkce = maybe
`,
	"invalid_ttl":              "[session]\nttl = forever\n",
	"invalid_redis_db":         "[session]\nredis_db = zero\n",
	"unknown_store":            "[session]\nstore = sql\n",
	"redis_without_addr":       "[session]\nstore = redis\n",
	"invalid_hex_key":          "[broker]\ncookie_hash_key = not-hex\n",
	"invalid_block_key_length": "[broker]\ncookie_block_key = 0011\n",
	"missing_active_section":   "[broker]\nproviders = Google\n",
	"missing_type":             "[provider.keycloak]\nclient_id = kc\n",
}

func wantValidConfig() brokerConfig {
	pkce := false
	return brokerConfig{
		errorPath:            "/Error",
		allowedReturnOrigins: []string{"https://app.example.org", "https://other.example.org"},
		session:              sessionConfig{store: storeMemory, ttl: time.Hour},
		providers: []providerConfig{
			{
				typ: "msentraid",
				settings: providers.Settings{
					SchemeName:   "EntraID",
					ClientID:     "entra-client",
					ClientSecret: "entra-secret",
					Extra:        map[string]string{"tenant_id": "tenant", "fetch_groups": "true"},
				},
			},
			{
				typ: "auth0",
				settings: providers.Settings{
					SchemeName:      "Auth0",
					ClientID:        "auth0-client",
					ClearScopes:     true,
					Scopes:          []string{"openid", "profile", "email", "auth0-user-api-one"},
					UsePKCE:         &pkce,
					AuthorizeParams: map[string]string{"audience": "https://auth0-api1"},
					Claims:          map[string]string{"name": "nickname"},
					Extra:           map[string]string{"domain": "tenant.eu.auth0.com"},
				},
			},
		},
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	keycloakOnly := func(clientID string) []providerConfig {
		return []providerConfig{{
			typ: "keycloak",
			settings: providers.Settings{
				SchemeName: "keycloak",
				ClientID:   clientID,
				Extra:      map[string]string{"base_url": "http://localhost:8080", "realm": "demo"},
			},
		}}
	}

	tests := map[string]struct {
		configType string
		dropInType string
		env        map[string]string

		want    func() brokerConfig
		wantErr bool
	}{
		"Successfully_parse_config_file": {want: wantValidConfig},
		"Successfully_parse_config_with_drop_in_files": {
			dropInType: "valid",
			want: func() brokerConfig {
				cfg := wantValidConfig()
				cfg.providers[0].settings.ClientID = "higher-precedence-client"
				return cfg
			},
		},
		"Client_secret_from_environment_takes_precedence": {
			env: map[string]string{"OIDC_FEDERATION_ENTRAID_CLIENT_SECRET": "env-secret"},
			want: func() brokerConfig {
				cfg := wantValidConfig()
				cfg.providers[0].settings.ClientSecret = "env-secret"
				return cfg
			},
		},
		"All_providers_are_active_when_none_is_selected": {
			configType: "all_providers_active",
			want: func() brokerConfig {
				return brokerConfig{
					errorPath: "/Error",
					session:   sessionConfig{store: storeMemory, ttl: defaultSessionTTL},
					providers: keycloakOnly("kc"),
				}
			},
		},
		"Successfully_parse_broker_and_redis_settings": {
			configType: "redis",
			want: func() brokerConfig {
				key := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
				return brokerConfig{
					pathBase:              "/auth",
					errorPath:             "/oops",
					trustForwardedHeaders: true,
					verbosePII:            true,
					hashKey:               key,
					blockKey:              key,
					session: sessionConfig{
						store:       storeRedis,
						redisAddr:   "localhost:6379",
						redisDB:     2,
						redisPrefix: "app",
						ttl:         defaultSessionTTL,
					},
					providers: keycloakOnly("kc"),
				}
			},
		},

		"Do_not_fail_if_values_contain_a_single_template_delimiter": {
			configType: "singles",
			want: func() brokerConfig {
				return brokerConfig{
					errorPath: "/Error",
					session:   sessionConfig{store: storeMemory, ttl: defaultSessionTTL},
					providers: []providerConfig{{
						typ: "keycloak",
						settings: providers.Settings{
							SchemeName: "keycloak",
							Authority:  "https://KEYCLOAK_URL>",
							ClientID:   "<CLIENT_ID",
							Extra:      map[string]string{},
						},
					}},
				}
			},
		},

		"Error_if_file_does_not_exist":                 {configType: "inexistent", wantErr: true},
		"Error_if_file_is_not_updated":                 {configType: "template", wantErr: true},
		"Error_if_drop_in_directory_is_a_file":         {dropInType: "file", wantErr: true},
		"Error_if_config_contains_invalid_values":      {configType: "invalid_boolean_value", wantErr: true},
		"Error_if_ttl_is_invalid":                      {configType: "invalid_ttl", wantErr: true},
		"Error_if_redis_db_is_invalid":                 {configType: "invalid_redis_db", wantErr: true},
		"Error_if_session_store_is_unknown":            {configType: "unknown_store", wantErr: true},
		"Error_if_redis_store_has_no_address":          {configType: "redis_without_addr", wantErr: true},
		"Error_if_cookie_key_is_not_hexadecimal":       {configType: "invalid_hex_key", wantErr: true},
		"Error_if_cookie_block_key_has_invalid_length": {configType: "invalid_block_key_length", wantErr: true},
		"Error_if_active_provider_has_no_section":      {configType: "missing_active_section", wantErr: true},
		"Error_if_provider_has_no_type":                {configType: "missing_type", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			confPath := filepath.Join(t.TempDir(), "broker.conf")

			if tc.configType == "" {
				tc.configType = "valid"
			}
			if tc.configType != "inexistent" {
				err := os.WriteFile(confPath, []byte(configTypes[tc.configType]), 0600)
				require.NoError(t, err, "Setup: Failed to write config file")
			}

			dropInDir := confPath + ".d"
			switch tc.dropInType {
			case "valid":
				err := os.Mkdir(dropInDir, 0700)
				require.NoError(t, err, "Setup: Failed to create drop-in directory")
				// Create multiple drop-in files to test that they are loaded in the correct order.
				err = os.WriteFile(filepath.Join(dropInDir, "01-drop-in.conf"), []byte(configTypes["overwrite_higher_precedence"]), 0600)
				require.NoError(t, err, "Setup: Failed to write drop-in file")
				err = os.WriteFile(filepath.Join(dropInDir, "00-drop-in.conf"), []byte(configTypes["overwrite_lower_precedence"]), 0600)
				require.NoError(t, err, "Setup: Failed to write drop-in file")
			case "file":
				err := os.WriteFile(dropInDir, []byte("not a directory"), 0600)
				require.NoError(t, err, "Setup: Failed to write drop-in file")
			}

			lookupEnv := func(key string) (string, bool) {
				v, ok := tc.env[key]
				return v, ok
			}

			cfg, err := parseConfigFile(confPath, lookupEnv)
			if tc.wantErr {
				require.Error(t, err, "parseConfigFile should return an error")
				return
			}
			require.NoError(t, err, "parseConfigFile should not return an error")
			require.Equal(t, tc.want(), cfg, "Unexpected parsed configuration")
		})
	}
}

func TestSecretEnvName(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		scheme string
		want   string
	}{
		"Upper_cased":                       {scheme: "EntraID", want: "OIDC_FEDERATION_ENTRAID_CLIENT_SECRET"},
		"Non_alphanumerics_are_underscores": {scheme: "my-idp.v2", want: "OIDC_FEDERATION_MY_IDP_V2_CLIENT_SECRET"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.want, secretEnvName(tc.scheme), "Unexpected environment variable name")
		})
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	generic := func(paths ...string) providerConfig {
		s := providers.Settings{SchemeName: "generic", Authority: "https://idp.example", ClientID: "client"}
		if len(paths) > 0 {
			s.CallbackPath = paths[0]
		}
		if len(paths) > 1 {
			s.SignOutCallbackPath = paths[1]
		}
		return providerConfig{typ: "generic", settings: s}
	}

	tests := map[string]struct {
		pathBase  string
		errorPath string
		provider  providerConfig

		wantErr bool
	}{
		"Default_provider_paths_are_accepted":               {provider: generic()},
		"Service_paths_are_free_below_a_path_base":          {pathBase: "/auth", provider: generic("/healthz")},
		"Callback_may_use_/Error_when_the_error_path_moved": {errorPath: "/oops", provider: generic("/Error")},

		"Error_when_callback_is_the_error_path":           {provider: generic("/Error"), wantErr: true},
		"Error_when_callback_is_a_moved_error_path":       {errorPath: "/oops", provider: generic("/oops"), wantErr: true},
		"Error_when_callback_is_below_the_sign_in_route":  {provider: generic("/signin/generic"), wantErr: true},
		"Error_when_callback_is_below_the_sign_out_route": {provider: generic("/signout/generic"), wantErr: true},
		"Error_when_sign_out_callback_is_the_session":     {provider: generic("", "/session"), wantErr: true},
		"Error_when_callback_is_the_providers_route":      {provider: generic("/providers"), wantErr: true},
		"Error_when_callback_is_a_service_path_at_root":   {provider: generic("/metrics"), wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.errorPath == "" {
				tc.errorPath = "/Error"
			}
			cfg := brokerConfig{pathBase: tc.pathBase, errorPath: tc.errorPath, providers: []providerConfig{tc.provider}}

			reg, err := newRegistry(cfg)
			if tc.wantErr {
				var colErr *providers.PathCollisionError
				require.ErrorAs(t, err, &colErr, "newRegistry should return a PathCollisionError")
				require.Equal(t, brokerOwner, colErr.Existing, "The path should be owned by the broker")
				return
			}
			require.NoError(t, err, "newRegistry should not return an error")
			require.Equal(t, []string{"generic"}, reg.Schemes(), "The provider should be registered")
		})
	}
}
