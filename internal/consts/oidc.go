package consts

import (
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

const (
	// ResponseTypeCode is the only OAuth 2.0 response type the broker requests.
	ResponseTypeCode = "code"

	// MaxRequestDuration bounds every call made to an identity provider outside of a user request.
	MaxRequestDuration = 5 * time.Second

	// StateLifetime is how long an authorization request stays redeemable.
	StateLifetime = 15 * time.Minute
)

var (
	// DefaultScopes contains the OIDC scopes that we require for all providers.
	// Provider presets can append additional scopes.
	DefaultScopes = []string{oidc.ScopeOpenID, "profile", "email"}
)
