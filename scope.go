package keel

import (
	"encoding/json"
	"fmt"
)

// Scope is the lifetime policy governing how long a resolved instance is
// reused and which container owns its cache.
type Scope int

const (
	// ScopeSingleton specifies a single shared instance for the whole
	// container hierarchy. Resolution always delegates to the root container,
	// and the instance is cached there. Singleton providers must not depend
	// on request, transient, or ephemeral providers.
	ScopeSingleton Scope = iota

	// ScopeApp behaves like ScopeSingleton: one instance per hierarchy,
	// cached at the root. It exists as a distinct policy so application-level
	// components can be told apart from true process singletons in
	// diagnostics and manifests.
	ScopeApp

	// ScopeRequest specifies one instance per container. The instance is
	// cached in the container where resolution was requested and disposed at
	// that container's shutdown. In web applications this typically means one
	// instance per HTTP request.
	ScopeRequest

	// ScopeTransient specifies a new instance on every resolution. Nothing
	// is cached and the container registers no finalizer for the instance.
	ScopeTransient

	// ScopePooled specifies acquisition from a bounded pool owned by the
	// provider. The acquired instance is cached like a request-scoped one,
	// and the container's shutdown releases it back to the pool.
	ScopePooled

	// ScopeEphemeral behaves like ScopeTransient at the container level. It
	// is the shortest lifetime for scope analysis: conceptually an instance
	// nested under a single request-scoped operation.
	ScopeEphemeral
)

// String returns the string representation of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeSingleton:
		return "singleton"
	case ScopeApp:
		return "app"
	case ScopeRequest:
		return "request"
	case ScopeTransient:
		return "transient"
	case ScopePooled:
		return "pooled"
	case ScopeEphemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsValid checks if the scope is a known value.
func (s Scope) IsValid() bool {
	return s >= ScopeSingleton && s <= ScopeEphemeral
}

// delegatesToRoot reports whether resolution of this scope is always
// forwarded to the root container.
func (s Scope) delegatesToRoot() bool {
	return s == ScopeSingleton || s == ScopeApp
}

// cacheable reports whether instances of this scope are stored in a
// container's instance cache. Pooled acquisitions are cached so the lease is
// released exactly once, at the owning container's shutdown.
func (s Scope) cacheable() bool {
	switch s {
	case ScopeSingleton, ScopeApp, ScopeRequest, ScopePooled:
		return true
	default:
		return false
	}
}

// shortLived reports whether instances of this scope must never be captured
// by a singleton or app scoped provider.
func (s Scope) shortLived() bool {
	switch s {
	case ScopeRequest, ScopeTransient, ScopeEphemeral:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, ScopeValueError{Value: int(s)}
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	switch string(text) {
	case "singleton":
		*s = ScopeSingleton
	case "app":
		*s = ScopeApp
	case "request":
		*s = ScopeRequest
	case "transient":
		*s = ScopeTransient
	case "pooled":
		*s = ScopePooled
	case "ephemeral":
		*s = ScopeEphemeral
	default:
		return ScopeValueError{Value: string(text)}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Scope) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, ScopeValueError{Value: int(s)}
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(str))
}
