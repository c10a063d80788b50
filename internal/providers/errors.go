package providers

import (
	"errors"
	"fmt"
)

// ErrRegistrySealed is returned when registering a provider after startup.
var ErrRegistrySealed = errors.New("provider registry is sealed")

// DuplicateSchemeError is returned when a scheme name is registered twice.
type DuplicateSchemeError struct {
	SchemeName string
}

func (e *DuplicateSchemeError) Error() string {
	return fmt.Sprintf("provider scheme %q is already registered", e.SchemeName)
}

// UnknownProviderError is returned when resolving a scheme which is not registered.
type UnknownProviderError struct {
	SchemeName string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider scheme %q", e.SchemeName)
}

// PathCollisionError is returned when a provider uses an inbound path already taken by another provider or by the
// broker itself.
type PathCollisionError struct {
	Path     string
	Existing string
	New      string
}

func (e *PathCollisionError) Error() string {
	return fmt.Sprintf("path %q of provider %q is already used by %q", e.Path, e.New, e.Existing)
}
