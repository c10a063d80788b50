package flow

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Attempt is one authorization code exchange with a provider.
//
// It lives for the duration of a request: created when the user is redirected, then restored from the state
// parameter when the provider calls back.
type Attempt struct {
	SchemeName    string
	CorrelationID string
	ProtocolError string
	FailureReason string

	phase  Phase
	halted bool
}

// NewAttempt starts an attempt with a new correlation id.
func NewAttempt(scheme string) *Attempt {
	return &Attempt{SchemeName: scheme, CorrelationID: uuid.NewString(), phase: Initiated}
}

// resumeAttempt returns the attempt of a user coming back from the provider.
func resumeAttempt(scheme string) *Attempt {
	return &Attempt{SchemeName: scheme, phase: Redirected}
}

// Phase returns the current phase.
func (a *Attempt) Phase() Phase {
	return a.phase
}

func (a *Attempt) transition(to Phase) error {
	if !CanTransition(a.phase, to) {
		return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, a.phase, to)
	}
	a.phase = to
	return nil
}

// Halt stops the default processing of the attempt. It returns false if it was already halted.
func (a *Attempt) Halt() bool {
	if a.halted {
		return false
	}
	a.halted = true
	return true
}

// Halted returns true once the attempt processing was stopped.
func (a *Attempt) Halted() bool {
	return a.halted
}

// Scheme returns the scheme of the attempt. It is nil safe.
func (a *Attempt) Scheme() string {
	if a == nil {
		return ""
	}
	return a.SchemeName
}

// Correlation returns the correlation id of the attempt. It is nil safe.
func (a *Attempt) Correlation() string {
	if a == nil {
		return ""
	}
	return a.CorrelationID
}

// IsCompleted returns true if the attempt reached Completed. It is nil safe.
func (a *Attempt) IsCompleted() bool {
	return a != nil && a.phase == Completed
}

// LogValue implements slog.LogValuer.
func (a *Attempt) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("scheme", a.SchemeName),
		slog.String("phase", a.phase.String()),
		slog.String("correlation_id", a.CorrelationID),
	)
}
