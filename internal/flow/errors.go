package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is returned when moving an attempt to a phase not reachable from its current one.
	ErrIllegalTransition = errors.New("illegal flow transition")
	// ErrDenied is returned by event hooks to deny the authentication.
	ErrDenied = errors.New("authentication denied")
)

// ProviderReportedError is an error the identity provider reported itself. Its code is shown to the user.
type ProviderReportedError struct {
	Code        string
	Description string
}

func (e *ProviderReportedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider reported error %q", e.Code)
	}
	return fmt.Sprintf("provider reported error %q: %s", e.Code, e.Description)
}

// RemoteFailure is a transport failure while talking to the identity provider.
type RemoteFailure struct {
	Op  string
	Err error
}

func (e *RemoteFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteFailure) Unwrap() error {
	return e.Err
}

// LocalValidationFailure is a state, correlation or token validation failure. It is only logged.
type LocalValidationFailure struct {
	Reason string
	Err    error
}

func (e *LocalValidationFailure) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *LocalValidationFailure) Unwrap() error {
	return e.Err
}

func localFailure(reason string, err error) error {
	return &LocalValidationFailure{Reason: reason, Err: err}
}
