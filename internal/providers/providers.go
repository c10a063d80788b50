// Package providers holds the static configuration of the external identity providers and the registry resolving
// them by scheme name.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/urlutil"
	"golang.org/x/oauth2"
)

// Canonical claim names used as keys of Descriptor.ClaimTypeMap.
const (
	ClaimName    = "name"
	ClaimRole    = "role"
	ClaimEmail   = "email"
	ClaimSubject = "subject"
)

var defaultClaimKeys = map[string]string{
	ClaimName:    "name",
	ClaimRole:    "role",
	ClaimEmail:   "email",
	ClaimSubject: "sub",
}

// protectedAuthorizeParams are set by the flow itself and cannot be overridden per provider.
var protectedAuthorizeParams = []string{
	"client_id",
	"client_secret",
	"code_challenge",
	"code_challenge_method",
	"nonce",
	"redirect_uri",
	"response_type",
	"scope",
	"state",
}

// IsProtectedAuthorizeParam returns true if key is owned by the authorization request itself.
func IsProtectedAuthorizeParam(key string) bool {
	return slices.Contains(protectedAuthorizeParams, strings.ToLower(key))
}

// RoleEnricher adds roles to a principal from a provider specific API.
type RoleEnricher interface {
	AdditionalRoles(ctx context.Context, token *oauth2.Token) ([]string, error)
}

// Logout overrides the end session endpoint of a provider.
type Logout struct {
	URL           string
	ReturnParam   string
	ClientIDParam string
}

// Descriptor is the static configuration of one external identity provider.
type Descriptor struct {
	SchemeName  string
	DisplayName string
	Type        string

	AuthorityURL string
	ClientID     string
	ClientSecret string
	ResponseType string
	Scopes       []string
	UsePKCE      bool

	CallbackPath        string
	SignOutCallbackPath string
	RemoteSignOutPath   string

	ClaimTypeMap         map[string]string
	ExtraAuthorizeParams map[string]string

	FetchClaimsFromUserInfoEndpoint bool
	SaveTokens                      bool
	ClaimsIssuer                    string

	Logout   *Logout
	Enricher RoleEnricher
}

// ApplyDefaults fills the unset fields which can be derived from the scheme name.
func (d *Descriptor) ApplyDefaults() {
	if d.DisplayName == "" {
		d.DisplayName = d.SchemeName
	}
	if d.ResponseType == "" {
		d.ResponseType = consts.ResponseTypeCode
	}
	if len(d.Scopes) == 0 {
		d.Scopes = slices.Clone(consts.DefaultScopes)
	}
	suffix := strings.ToLower(d.SchemeName)
	if d.CallbackPath == "" {
		d.CallbackPath = "/signin-oidc-" + suffix
	}
	if d.SignOutCallbackPath == "" {
		d.SignOutCallbackPath = "/signout-callback-oidc-" + suffix
	}
	if d.RemoteSignOutPath == "" {
		d.RemoteSignOutPath = "/signout-oidc-" + suffix
	}
	if d.ClaimsIssuer == "" {
		d.ClaimsIssuer = d.SchemeName
	}
}

// Validate checks that the descriptor can be used to run an authorization code flow.
func (d Descriptor) Validate() error {
	var errs []error

	if strings.TrimSpace(d.SchemeName) == "" {
		errs = append(errs, errors.New("scheme name is required"))
	} else if strings.ContainsAny(d.SchemeName, "/ \t?#") {
		errs = append(errs, fmt.Errorf("scheme name %q contains invalid characters", d.SchemeName))
	}
	if _, err := urlutil.ParseAndValidateURL(d.AuthorityURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid authority: %v", err))
	}
	if d.ClientID == "" {
		errs = append(errs, errors.New("client id is required"))
	}
	if d.ClientSecret == "" && !d.UsePKCE {
		errs = append(errs, errors.New("client secret is required when PKCE is disabled"))
	}
	if d.ResponseType != consts.ResponseTypeCode {
		errs = append(errs, fmt.Errorf("unsupported response type %q", d.ResponseType))
	}
	if !slices.Contains(d.Scopes, oidc.ScopeOpenID) {
		errs = append(errs, fmt.Errorf("scopes must contain %q", oidc.ScopeOpenID))
	}

	for name, p := range map[string]string{
		"callback path":          d.CallbackPath,
		"sign-out callback path": d.SignOutCallbackPath,
		"remote sign-out path":   d.RemoteSignOutPath,
	} {
		if !urlutil.IsLocalPath(p) {
			errs = append(errs, fmt.Errorf("%s %q must be an absolute local path", name, p))
		}
	}

	for _, k := range slices.Sorted(maps.Keys(d.ExtraAuthorizeParams)) {
		if IsProtectedAuthorizeParam(k) {
			errs = append(errs, fmt.Errorf("authorize parameter %q cannot be overridden", k))
		}
	}

	if d.Logout != nil {
		if _, err := urlutil.ParseAndValidateURL(d.Logout.URL); err != nil {
			errs = append(errs, fmt.Errorf("invalid logout url: %v", err))
		}
		if d.Logout.ReturnParam == "" {
			errs = append(errs, errors.New("logout return parameter is required"))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("provider %q: %w", d.SchemeName, err)
	}
	return nil
}

// Paths returns the inbound paths of the descriptor.
func (d Descriptor) Paths() []string {
	return []string{d.CallbackPath, d.SignOutCallbackPath, d.RemoteSignOutPath}
}

// ClaimKey returns the provider claim key for the canonical claim name.
func (d Descriptor) ClaimKey(canonical string) string {
	if k, ok := d.ClaimTypeMap[canonical]; ok && k != "" {
		return k
	}
	if k, ok := defaultClaimKeys[canonical]; ok {
		return k
	}
	return canonical
}

// Clone returns a deep copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	c := d
	c.Scopes = slices.Clone(d.Scopes)
	c.ClaimTypeMap = maps.Clone(d.ClaimTypeMap)
	c.ExtraAuthorizeParams = maps.Clone(d.ExtraAuthorizeParams)
	if d.Logout != nil {
		l := *d.Logout
		c.Logout = &l
	}
	return c
}

// LogValue implements slog.LogValuer. The client secret is never part of it.
func (d Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("scheme", d.SchemeName),
		slog.String("type", d.Type),
		slog.String("authority", d.AuthorityURL),
		slog.String("client_id", d.ClientID),
		slog.Bool("client_secret_set", d.ClientSecret != ""),
		slog.Any("scopes", d.Scopes),
		slog.Bool("pkce", d.UsePKCE),
		slog.String("callback_path", d.CallbackPath),
	)
}

// MergeScopes appends the scopes which are not already part of base.
func MergeScopes(base []string, extra ...string) []string {
	out := slices.Clone(base)
	for _, s := range extra {
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}
