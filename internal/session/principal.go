// Package session manages the two principals of a browser session: the external one produced by an identity
// provider exchange and the application one promoted from it.
package session

import (
	"log/slog"
	"maps"
	"slices"
	"time"
)

// Kind is the phase of a principal.
type Kind string

const (
	// KindExternal is the provisional principal produced by a completed provider exchange.
	KindExternal Kind = "external"
	// KindApplication is the principal the application trusts. It only exists through promotion.
	KindApplication Kind = "application"
)

// Tokens are the raw tokens kept on a principal when the provider saves them.
type Tokens struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// LogValue implements slog.LogValuer. Token values are never logged.
func (t Tokens) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("access_token", t.AccessToken != ""),
		slog.Bool("refresh_token", t.RefreshToken != ""),
		slog.Bool("id_token", t.IDToken != ""),
		slog.Time("expiry", t.Expiry),
	)
}

// Principal is an authenticated user as seen by one session phase.
type Principal struct {
	Kind            Kind           `json:"kind"`
	CorrelationID   string         `json:"correlation_id"`
	SchemeName      string         `json:"scheme"`
	Issuer          string         `json:"issuer"`
	Subject         string         `json:"subject"`
	Name            string         `json:"name,omitempty"`
	Email           string         `json:"email,omitempty"`
	Roles           []string       `json:"roles,omitempty"`
	Claims          map[string]any `json:"claims,omitempty"`
	Tokens          *Tokens        `json:"tokens,omitempty"`
	AuthenticatedAt time.Time      `json:"authenticated_at"`
}

// HasRole returns true if the principal holds role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Clone returns a deep copy of the principal. Nested claim values are shared.
func (p Principal) Clone() Principal {
	c := p
	c.Roles = slices.Clone(p.Roles)
	c.Claims = maps.Clone(p.Claims)
	if p.Tokens != nil {
		t := *p.Tokens
		c.Tokens = &t
	}
	return c
}

// LogValue implements slog.LogValuer. Subject, claims and tokens are left out.
func (p Principal) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(p.Kind)),
		slog.String("scheme", p.SchemeName),
		slog.String("correlation_id", p.CorrelationID),
		slog.Int("roles", len(p.Roles)),
		slog.Bool("tokens", p.Tokens != nil),
	)
}
