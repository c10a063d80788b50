package session

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the session holds no principal of the requested kind.
	ErrNotFound = errors.New("no principal in session")
	// ErrCorrelationMismatch is returned when promoting an external principal of another flow.
	ErrCorrelationMismatch = errors.New("external principal belongs to another flow")
)

// Store persists the principals of a session.
//
// Promote must be atomic: the application principal is written and the external principal cleared in a single
// step, and no other request can observe one without the other.
type Store interface {
	SaveExternal(ctx context.Context, sessionID string, p Principal) error
	LoadExternal(ctx context.Context, sessionID string) (Principal, error)
	LoadApplication(ctx context.Context, sessionID string) (Principal, error)
	Promote(ctx context.Context, sessionID, correlationID string, app Principal) error
	Clear(ctx context.Context, sessionID string) error
	Close() error
}
