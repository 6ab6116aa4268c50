package keel

import (
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"

	"github.com/keelframework/keel/internal/inspect"
)

// analyzer is the process-wide constructor analyzer. Its signature cache is
// keyed by function type, so sharing it across registries is safe and avoids
// re-analyzing common constructors.
var analyzer = inspect.New()

// Provider is the polymorphic unit of construction logic bound to a token.
// Collaborators may implement it to plug in custom construction strategies;
// the container only relies on this capability set.
type Provider interface {
	// Meta returns the immutable provider description.
	Meta() ProviderMeta

	// Instantiate produces an instance using the resolution context to
	// obtain dependencies.
	Instantiate(rc *ResolveCtx) (any, error)

	// Shutdown releases resources owned by the provider itself (not by the
	// instances it produced; those are handled by container finalizers).
	Shutdown() error
}

// releasable is the extra capability of pooled providers: returning an
// acquired instance to the pool instead of destroying it.
type releasable interface {
	Release(v any)
}

// dependencyDeclarer exposes a provider's statically declared dependencies
// for graph construction. Providers without declarations contribute a node
// with no outgoing edges.
type dependencyDeclarer interface {
	Deps() []Dep
}

// providerUnwrapper is implemented by providers that decorate another
// provider, so capability checks can reach the decorated one.
type providerUnwrapper interface {
	Unwrap() Provider
}

// declaredDeps returns the statically declared dependencies of a provider,
// looking through decorator layers.
func declaredDeps(p Provider) []Dep {
	for p != nil {
		if d, ok := p.(dependencyDeclarer); ok {
			return d.Deps()
		}
		w, ok := p.(providerUnwrapper)
		if !ok {
			break
		}
		p = w.Unwrap()
	}
	return nil
}

// asReleasable reports whether the provider, or any provider it decorates,
// supports releasing instances back to a pool.
func asReleasable(p Provider) (releasable, bool) {
	for p != nil {
		if r, ok := p.(releasable); ok {
			return r, true
		}
		w, ok := p.(providerUnwrapper)
		if !ok {
			break
		}
		p = w.Unwrap()
	}
	return nil, false
}

var deferredType = reflect.TypeOf((*Deferred)(nil))

// constructorProvider builds instances by calling a statically typed
// constructor function, resolving each parameter through the container.
type constructorProvider struct {
	meta   ProviderMeta
	fn     reflect.Value
	params []reflect.Type
	deps   []Dep
	result reflect.Type
	hasErr bool
}

// NewConstructor creates a provider from a constructor function of shape
// func(deps...) T or func(deps...) (T, error). Dependencies are derived from
// the parameter types; WithDeps overrides them when tags, optional edges, or
// lazy handles are needed. The token defaults to the return type's token.
//
// Example:
//
//	p, err := keel.NewConstructor(NewUserService, keel.WithScope(keel.ScopeRequest))
func NewConstructor(fn any, opts ...ProviderOption) (Provider, error) {
	if fn == nil {
		return nil, RegistrationError{Operation: "analyze-constructor", Cause: ErrConstructorNil}
	}

	info, err := analyzer.Analyze(fn)
	if err != nil {
		return nil, RegistrationError{Operation: "analyze-constructor", Cause: err}
	}

	o := applyProviderOptions(opts)

	token := o.token
	if token.IsZero() {
		token = tokenOfType(info.Result)
	}

	deps, err := constructorDeps(info.Params, o)
	if err != nil {
		return nil, RegistrationError{Token: token, Operation: "analyze-constructor", Cause: err}
	}

	scope := ScopeTransient
	if o.scopeSet {
		scope = o.scope
	}

	return &constructorProvider{
		meta:   newMeta(token, scope, o, callerSource(2)),
		fn:     reflect.ValueOf(fn),
		params: info.Params,
		deps:   deps,
		result: info.Result,
		hasErr: info.HasError,
	}, nil
}

// MustConstructor is NewConstructor that panics on a bad signature. Useful
// in manifest variable declarations where a bad constructor is a programming
// error.
func MustConstructor(fn any, opts ...ProviderOption) Provider {
	p, err := NewConstructor(fn, opts...)
	if err != nil {
		panic(fmt.Sprintf("keel: invalid constructor: %v", err))
	}
	return p
}

// constructorDeps maps constructor parameters to dependency declarations.
// Explicit declarations must cover every parameter in order; inferred ones
// come straight from the parameter types. A *Deferred parameter cannot be
// inferred: the target token must be declared via WithDeps.
func constructorDeps(params []reflect.Type, o *providerOptions) ([]Dep, error) {
	if o.depsSet {
		if len(o.deps) != len(params) {
			return nil, fmt.Errorf("WithDeps declared %d dependencies for %d parameters", len(o.deps), len(params))
		}
		for i, dep := range o.deps {
			if dep.Token.IsZero() {
				return nil, fmt.Errorf("WithDeps entry %d: %w", i, ErrTokenZero)
			}
			if dep.Lazy && params[i] != deferredType {
				return nil, fmt.Errorf("lazy dependency %s requires a *keel.Deferred parameter, got %s", dep, formatType(params[i]))
			}
		}
		return o.deps, nil
	}

	deps := make([]Dep, len(params))
	for i, param := range params {
		if param == deferredType {
			return nil, fmt.Errorf("parameter %d is *keel.Deferred: declare its target token with WithDeps", i)
		}
		deps[i] = Dep{Token: tokenOfType(param)}
	}
	return deps, nil
}

func (p *constructorProvider) Meta() ProviderMeta { return p.meta }

func (p *constructorProvider) Instantiate(rc *ResolveCtx) (any, error) {
	args := make([]reflect.Value, len(p.deps))
	for i, dep := range p.deps {
		arg, err := rc.injectArg(dep, p.params[i])
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}

	return invoke(p.meta.Token, p.fn, args, p.hasErr)
}

func (p *constructorProvider) Shutdown() error { return nil }

func (p *constructorProvider) Deps() []Dep { return p.deps }

// invoke calls a constructor with panic recovery. A non-nil error return is
// propagated unchanged to the resolving caller.
func invoke(token Token, fn reflect.Value, args []reflect.Value, hasErr bool) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ConstructorPanicError{Token: token, Panic: r, Stack: debug.Stack()}
		}
	}()

	results := fn.Call(args)
	if hasErr && !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}

// FactoryFunc produces an instance with full access to the resolution
// context, for construction logic that cannot be expressed as a plain
// constructor signature.
type FactoryFunc func(rc *ResolveCtx) (any, error)

// factoryProvider builds instances through an opaque factory function.
// Declared dependencies exist only for build-time validation; the factory
// resolves what it needs through the ResolveCtx at runtime.
type factoryProvider struct {
	meta ProviderMeta
	fn   FactoryFunc
	deps []Dep
}

// NewFactory creates a provider around a factory function. The token is
// required since nothing can be derived from the opaque signature. Declare
// the tokens the factory resolves with WithDeps so cycle detection and
// scope analysis see them.
func NewFactory(token Token, fn FactoryFunc, opts ...ProviderOption) (Provider, error) {
	if token.IsZero() {
		return nil, RegistrationError{Operation: "create-factory", Cause: ErrTokenZero}
	}
	if fn == nil {
		return nil, RegistrationError{Token: token, Operation: "create-factory", Cause: ErrConstructorNil}
	}

	o := applyProviderOptions(opts)
	scope := ScopeTransient
	if o.scopeSet {
		scope = o.scope
	}

	return &factoryProvider{
		meta: newMeta(token, scope, o, callerSource(2)),
		fn:   fn,
		deps: o.deps,
	}, nil
}

func (p *factoryProvider) Meta() ProviderMeta { return p.meta }

func (p *factoryProvider) Instantiate(rc *ResolveCtx) (any, error) {
	return p.fn(rc)
}

func (p *factoryProvider) Shutdown() error { return nil }

func (p *factoryProvider) Deps() []Dep { return p.deps }

// valueProvider wraps a pre-built instance. No construction step happens at
// resolve time.
type valueProvider struct {
	meta  ProviderMeta
	value any
}

// NewValue creates a provider for a fixed, pre-built value. The token
// defaults to the value's type token and the scope to ScopeSingleton.
func NewValue(value any, opts ...ProviderOption) (Provider, error) {
	o := applyProviderOptions(opts)

	token := o.token
	if token.IsZero() {
		if value == nil {
			return nil, RegistrationError{Operation: "create-value", Cause: ErrTokenZero}
		}
		token = tokenOfType(reflect.TypeOf(value))
	}

	scope := ScopeSingleton
	if o.scopeSet {
		scope = o.scope
	}

	return &valueProvider{
		meta:  newMeta(token, scope, o, callerSource(2)),
		value: value,
	}, nil
}

func (p *valueProvider) Meta() ProviderMeta { return p.meta }

func (p *valueProvider) Instantiate(rc *ResolveCtx) (any, error) {
	return p.value, nil
}

func (p *valueProvider) Shutdown() error { return nil }

// newMeta assembles the immutable metadata record from provider options.
func newMeta(token Token, scope Scope, o *providerOptions, source string) ProviderMeta {
	name := o.name
	if name == "" {
		name = token.String()
	}
	if o.source != "" {
		source = o.source
	}

	return ProviderMeta{
		Name:      name,
		Token:     token,
		Scope:     scope,
		Tags:      o.tags,
		Source:    source,
		Version:   o.version,
		AllowLazy: o.allowLazy,
	}
}

// callerSource captures the declaration site for diagnostics.
func callerSource(skip int) string {
	if _, file, line, ok := runtime.Caller(skip); ok {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return ""
}
