package providers

import (
	"slices"
	"strings"
)

// Registry holds the provider descriptors keyed by scheme name.
//
// It is populated at startup and sealed before serving requests. No locking is done: it must not be mutated
// concurrently with reads.
type Registry struct {
	descriptors map[string]Descriptor
	paths       map[string]string
	// prefixes are reserved path trees, like "/signin/".
	prefixes map[string]string
	sealed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		paths:       make(map[string]string),
		prefixes:    make(map[string]string),
	}
}

// Reserve marks paths as used by owner so that no provider can register them. A path ending with a slash
// reserves every path below it.
func (r *Registry) Reserve(owner string, paths ...string) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	for _, p := range paths {
		if existing, ok := r.owner(p); ok {
			return &PathCollisionError{Path: p, Existing: existing, New: owner}
		}
		if strings.HasSuffix(p, "/") {
			r.prefixes[p] = owner
			continue
		}
		r.paths[p] = owner
	}
	return nil
}

// owner returns who uses path, if anyone.
func (r *Registry) owner(path string) (string, bool) {
	if owner, ok := r.paths[path]; ok {
		return owner, true
	}
	for prefix, owner := range r.prefixes {
		if strings.HasPrefix(path, prefix) {
			return owner, true
		}
	}
	return "", false
}

// Register validates and stores a copy of d.
func (r *Registry) Register(d Descriptor) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.descriptors[d.SchemeName]; ok {
		return &DuplicateSchemeError{SchemeName: d.SchemeName}
	}
	if err := d.Validate(); err != nil {
		return err
	}

	paths := d.Paths()
	for i, p := range paths {
		if owner, ok := r.owner(p); ok {
			return &PathCollisionError{Path: p, Existing: owner, New: d.SchemeName}
		}
		if slices.Contains(paths[:i], p) {
			return &PathCollisionError{Path: p, Existing: d.SchemeName, New: d.SchemeName}
		}
	}

	for _, p := range paths {
		r.paths[p] = d.SchemeName
	}
	r.descriptors[d.SchemeName] = d.Clone()
	return nil
}

// Resolve returns a copy of the descriptor registered for scheme.
func (r *Registry) Resolve(scheme string) (Descriptor, error) {
	d, ok := r.descriptors[scheme]
	if !ok {
		return Descriptor{}, &UnknownProviderError{SchemeName: scheme}
	}
	return d.Clone(), nil
}

// Schemes returns the sorted registered scheme names.
func (r *Registry) Schemes() []string {
	schemes := make([]string, 0, len(r.descriptors))
	for s := range r.descriptors {
		schemes = append(schemes, s)
	}
	slices.Sort(schemes)
	return schemes
}

// All returns copies of all descriptors, sorted by scheme name.
func (r *Registry) All() []Descriptor {
	all := make([]Descriptor, 0, len(r.descriptors))
	for _, s := range r.Schemes() {
		all = append(all, r.descriptors[s].Clone())
	}
	return all
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.descriptors)
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.sealed = true
}
