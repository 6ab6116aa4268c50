package keel

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ========================================
// Core Error Values (Sentinel Errors)
// ========================================
// Base errors that get wrapped in typed errors when returned. Never return
// these directly to callers without the wrapping type carrying context.

var (
	// Resolution errors.
	ErrNotRegistered = errors.New("token not registered")
	ErrTokenZero     = errors.New("token cannot be the zero value")

	// Lifecycle errors.
	ErrContainerDisposed = errors.New("container has been shut down")
	ErrStartupNotRoot    = errors.New("startup may only run on the root container")

	// Registration errors.
	ErrProviderNil       = errors.New("provider cannot be nil")
	ErrConstructorNil    = errors.New("constructor cannot be nil")
	ErrManifestNameEmpty = errors.New("manifest name cannot be empty")
	ErrPoolSizeInvalid   = errors.New("pool size must be positive")
)

var (
	_ error = ScopeValueError{}
	_ error = AlreadyRegisteredError{}
	_ error = NotRegisteredError{}
	_ error = CycleError{}
	_ error = CrossModuleError{}
	_ error = ScopeViolationError{}
	_ error = PoolExhaustedError{}
	_ error = RegistrationError{}
	_ error = ConstructorPanicError{}
	_ error = TypeMismatchError{}
	_ error = BuildError{}
	_ error = ShutdownError{}
)

// ScopeValueError indicates an invalid scope value.
type ScopeValueError struct {
	Value any
}

func (e ScopeValueError) Error() string {
	return fmt.Sprintf("invalid scope: %v", e.Value)
}

// AlreadyRegisteredError indicates a (token, tag) pair is already registered
// in the container.
type AlreadyRegisteredError struct {
	Token Token
	Tag   string
}

func (e AlreadyRegisteredError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("provider for %s (tag %q) already registered (use a different tag or do not re-register)", e.Token, e.Tag)
	}
	return fmt.Sprintf("provider for %s already registered (use a tag to register multiple providers)", e.Token)
}

// NotRegisteredError indicates a resolve call for a token with no provider
// anywhere in the container hierarchy.
type NotRegisteredError struct {
	Token Token
	Tag   string
}

func (e NotRegisteredError) Error() string {
	var b strings.Builder
	if e.Tag != "" {
		fmt.Fprintf(&b, "not registered: %s (tag %q)", e.Token, e.Tag)
	} else {
		fmt.Fprintf(&b, "not registered: %s", e.Token)
	}
	b.WriteString("\nMake sure the provider is declared in a manifest or registered on the container.")
	return b.String()
}

func (e NotRegisteredError) Unwrap() error {
	return ErrNotRegistered
}

// CycleError indicates a dependency cycle. At build time it carries the
// ordered member tokens and their source locations; at resolve time it
// carries the live resolution stack that closed the cycle.
type CycleError struct {
	Tokens    []Token
	Locations []string // parallel to Tokens; empty entries for unknown sources
	Live      bool     // true when detected on a live resolution stack
}

func (e CycleError) Error() string {
	var b strings.Builder
	if e.Live {
		b.WriteString("dependency cycle detected during resolution:\n")
	} else {
		b.WriteString("dependency cycle detected:\n")
	}

	for i, tok := range e.Tokens {
		b.WriteString("  ")
		b.WriteString(tok.String())
		if i < len(e.Locations) && e.Locations[i] != "" {
			fmt.Fprintf(&b, " (%s)", e.Locations[i])
		}
		if i < len(e.Tokens)-1 {
			b.WriteString(" ->\n")
		}
	}
	if len(e.Tokens) > 0 {
		fmt.Fprintf(&b, " ->\n  %s", e.Tokens[0])
	}

	b.WriteString("\nBreak the cycle by marking one member AllowLazy and declaring the closing dependency lazy.")
	return b.String()
}

// CrossModuleError indicates a provider depending on another module's
// provider without declaring that module in its depends-on list.
type CrossModuleError struct {
	Module     string // the dependent module
	Dependency string // the module owning the required provider
	Token      Token  // the offending token
}

func (e CrossModuleError) Error() string {
	return fmt.Sprintf("module %q depends on %s from module %q without declaring it; add keel.DependsOn(%q) to the %q manifest",
		e.Module, e.Token, e.Dependency, e.Dependency, e.Module)
}

// ScopeViolationError indicates a long-lived provider depending on a
// short-lived one, which would let a singleton capture a per-request value.
type ScopeViolationError struct {
	Token           Token
	Scope           Scope
	Dependency      Token
	DependencyScope Scope
}

func (e ScopeViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scope violation: %s (%s) cannot depend on %s (%s)\n\n",
		e.Token, e.Scope, e.Dependency, e.DependencyScope)
	fmt.Fprintf(&b, "A %s instance lives for the whole hierarchy and would capture a single %s value.\n\n",
		e.Scope, e.DependencyScope)
	b.WriteString("To resolve this:\n")
	fmt.Fprintf(&b, "  • Change %s to a request scope\n", e.Token)
	fmt.Fprintf(&b, "  • Change %s to an app or singleton scope\n", e.Dependency)
	fmt.Fprintf(&b, "  • Resolve %s through a factory at call time instead\n", e.Dependency)
	return b.String()
}

// PoolExhaustedError indicates a pooled acquisition exceeded its timeout.
// It is non-fatal: the caller may retry or fail the enclosing operation.
type PoolExhaustedError struct {
	Token   Token
	Timeout time.Duration
}

func (e PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool exhausted: no %s instance became available within %v", e.Token, e.Timeout)
}

// RegistrationError wraps errors during provider registration.
type RegistrationError struct {
	Token     Token
	Operation string // "register", "analyze-constructor", "bind", etc.
	Cause     error
}

func (e RegistrationError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Token, e.Cause)
}

func (e RegistrationError) Unwrap() error {
	return e.Cause
}

// ConstructorPanicError indicates a provider's constructor panicked during
// instantiation. It captures the panic value and stack trace for debugging.
type ConstructorPanicError struct {
	Token Token
	Panic any
	Stack []byte
}

func (e ConstructorPanicError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "constructor for %s panicked: %v\n", e.Token, e.Panic)
	b.WriteString("\nConstructors should be pure dependency wiring. Move panic-prone\n")
	b.WriteString("initialization into a startup hook or an explicit Init method.\n")
	if len(e.Stack) > 0 {
		b.WriteString("\nStack trace:\n")
		b.Write(e.Stack)
	}
	return b.String()
}

// TypeMismatchError indicates a type assertion or injected value conversion
// failed.
type TypeMismatchError struct {
	Expected reflect.Type
	Actual   reflect.Type
	Context  string // "type assertion", "constructor parameter", etc.
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Context, formatType(e.Expected), formatType(e.Actual))
}

// BuildError wraps errors that abort registry construction. No partially
// valid container is ever produced once a BuildError is returned.
type BuildError struct {
	Phase string // "load", "graph", "cycle-detection", "cross-module", "scope-analysis", "eager-singletons"
	Cause error
}

func (e BuildError) Error() string {
	return fmt.Sprintf("build failed during %s phase: %v", e.Phase, e.Cause)
}

func (e BuildError) Unwrap() error {
	return e.Cause
}

// ShutdownError aggregates finalizer errors from a container shutdown.
// Shutdown-hook errors are logged, never aggregated here.
type ShutdownError struct {
	ContainerID string
	Errors      []error
}

func (e ShutdownError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown of container %s failed: %v", e.ContainerID, e.Errors[0])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "shutdown of container %s failed with %d errors:", e.ContainerID, len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "\n  %d. %v", i+1, err)
	}
	return b.String()
}

// formatType formats a reflect.Type for error messages, preferring short
// names for named types.
func formatType(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}

	switch t.Kind() {
	case reflect.Pointer:
		elem := t.Elem()
		if elem.PkgPath() != "" && elem.Name() != "" {
			return "*" + elem.Name()
		}
		return t.String()
	case reflect.Slice:
		elem := t.Elem()
		if elem.PkgPath() != "" && elem.Name() != "" {
			return "[]" + elem.Name()
		}
		return t.String()
	case reflect.Interface, reflect.Struct:
		if t.Name() != "" {
			return t.Name()
		}
		return t.String()
	default:
		if t.Name() != "" {
			return t.Name()
		}
		return t.String()
	}
}
