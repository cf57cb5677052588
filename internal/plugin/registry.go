package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistrationConflict is wrapped by ConflictError.
	ErrRegistrationConflict = errors.New("capability registration conflict")
	// ErrInvalidPlugin is returned for nil plugins or empty capability names.
	ErrInvalidPlugin = errors.New("invalid plugin")
	// ErrInvalidArguments is returned when an invocation payload does not
	// fit the operation's request type.
	ErrInvalidArguments = errors.New("invalid arguments")
)

type (
	// ConflictError is returned when two plugins claim the same capability name.
	ConflictError struct {
		Name string
		// Index is the registration position of the second claimant.
		Index int
	}

	// Builder accumulates plugins in registration order.
	Builder struct {
		plugins []Plugin
	}

	// Registry is the finalized, read-only set of plugins.
	Registry struct {
		plugins []Plugin
		byName  map[string]Plugin
	}
)

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("capability %q registered more than once (position %d)", e.Name, e.Index)
}

// Unwrap returns ErrRegistrationConflict so callers can use errors.Is.
func (e *ConflictError) Unwrap() error { return ErrRegistrationConflict }

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Register appends p and returns the builder for chaining. Validation is
// deferred to Build.
func (b *Builder) Register(p Plugin) *Builder {
	b.plugins = append(b.plugins, p)
	return b
}

// Build validates the accumulated plugins and returns the registry. On any
// error no registry is returned.
func (b *Builder) Build() (*Registry, error) {
	r := &Registry{
		plugins: make([]Plugin, 0, len(b.plugins)),
		byName:  make(map[string]Plugin, len(b.plugins)),
	}

	for i, p := range b.plugins {
		if p == nil {
			return nil, fmt.Errorf("%w: nil plugin at position %d", ErrInvalidPlugin, i)
		}
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("%w: empty capability name at position %d", ErrInvalidPlugin, i)
		}
		if _, exists := r.byName[name]; exists {
			return nil, &ConflictError{Name: name, Index: i}
		}
		r.byName[name] = p
		r.plugins = append(r.plugins, p)
	}

	return r, nil
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Plugins returns the plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Names returns the capability names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name()
	}
	return names
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.plugins)
}

// Capabilities describes every plugin in registration order.
func (r *Registry) Capabilities() []Capability {
	out := make([]Capability, len(r.plugins))
	for i, p := range r.plugins {
		out[i] = Describe(p)
	}
	return out
}
