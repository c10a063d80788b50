package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// CompletedFlow is the view of an authentication flow needed to promote its principal.
type CompletedFlow interface {
	Scheme() string
	Correlation() string
	IsCompleted() bool
}

// PromotionError is returned when an application principal cannot be established.
//
// Its message is meant for logs only, it must never be shown to the user.
type PromotionError struct {
	SchemeName    string
	CorrelationID string
	Reason        string
	Err           error
}

func (e *PromotionError) Error() string {
	msg := fmt.Sprintf("cannot promote session of flow %q (%s): %s", e.CorrelationID, e.SchemeName, e.Reason)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PromotionError) Unwrap() error {
	return e.Err
}

// Manager coordinates the external to application transition of a session.
type Manager struct {
	store Store
}

// NewManager returns a manager persisting principals in store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// SignIn stores p as the external principal of the session.
func (m *Manager) SignIn(ctx context.Context, sessionID string, p Principal) error {
	if sessionID == "" {
		return errors.New("empty session id")
	}
	if p.CorrelationID == "" {
		return errors.New("external principal has no correlation id")
	}
	p.Kind = KindExternal
	return m.store.SaveExternal(ctx, sessionID, p)
}

// Promote turns the external principal of a completed flow into the application principal of the session.
//
// It returns a *PromotionError, without touching the store, if flow is not completed.
func (m *Manager) Promote(ctx context.Context, sessionID string, flow CompletedFlow) (Principal, error) {
	if flow == nil || !flow.IsCompleted() {
		perr := &PromotionError{Reason: "flow is not completed"}
		if flow != nil {
			perr.SchemeName, perr.CorrelationID = flow.Scheme(), flow.Correlation()
		}
		return Principal{}, perr
	}

	newErr := func(reason string, err error) error {
		return &PromotionError{SchemeName: flow.Scheme(), CorrelationID: flow.Correlation(), Reason: reason, Err: err}
	}

	ext, err := m.store.LoadExternal(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, newErr("no external principal", nil)
	}
	if err != nil {
		return Principal{}, newErr("could not load external principal", err)
	}
	if ext.CorrelationID != flow.Correlation() {
		return Principal{}, newErr("external principal belongs to another flow", ErrCorrelationMismatch)
	}
	if ext.SchemeName != flow.Scheme() {
		return Principal{}, newErr(fmt.Sprintf("external principal comes from scheme %q", ext.SchemeName), nil)
	}

	app := ext.Clone()
	app.Kind = KindApplication
	if err := m.store.Promote(ctx, sessionID, flow.Correlation(), app); err != nil {
		return Principal{}, newErr("store refused promotion", err)
	}

	slog.DebugContext(ctx, "Session promoted", "principal", app)
	return app, nil
}

// Current returns the application principal of the session.
func (m *Manager) Current(ctx context.Context, sessionID string) (Principal, error) {
	if sessionID == "" {
		return Principal{}, ErrNotFound
	}
	return m.store.LoadApplication(ctx, sessionID)
}

// SignOut clears both principals of the session.
func (m *Manager) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return m.store.Clear(ctx, sessionID)
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}
