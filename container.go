package keel

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// providerTable is the registration table shared by reference across every
// container in a hierarchy. Containers hold a lightweight handle to it plus
// their own private instance cache; the table itself is never copied.
type providerTable struct {
	mu        sync.RWMutex
	providers map[cacheKey]Provider
	lazyCycle map[cacheKey]struct{} // cycle members approved for lazy-proxy resolution
}

func newProviderTable() *providerTable {
	return &providerTable{
		providers: make(map[cacheKey]Provider),
		lazyCycle: make(map[cacheKey]struct{}),
	}
}

func (t *providerTable) lookup(key cacheKey) (Provider, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.providers[key]
	return p, ok
}

// register adds a provider under every tag it declares, failing on the first
// (token, tag) conflict without registering anything.
func (t *providerTable) register(p Provider) error {
	meta := p.Meta()
	tags := registrationTags(meta)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tag := range tags {
		key := cacheKey{token: meta.Token, tag: tag}
		if _, exists := t.providers[key]; exists {
			return AlreadyRegisteredError{Token: meta.Token, Tag: tag}
		}
	}
	for _, tag := range tags {
		t.providers[cacheKey{token: meta.Token, tag: tag}] = p
	}
	return nil
}

func (t *providerTable) approveLazy(key cacheKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lazyCycle[key] = struct{}{}
}

func (t *providerTable) lazyApproved(key cacheKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.lazyCycle[key]
	return ok
}

func (t *providerTable) visit(fn func(Provider) bool) {
	t.mu.RLock()
	providers := make(map[cacheKey]Provider, len(t.providers))
	for k, p := range t.providers {
		providers[k] = p
	}
	t.mu.RUnlock()

	seen := make(map[Provider]struct{}, len(providers))
	for _, p := range providers {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if !fn(p) {
			return
		}
	}
}

// finalizer is one registered cleanup action, drained in LIFO order at
// container shutdown.
type finalizer struct {
	name string
	fn   func() error
}

// inflightCall serializes concurrent construction of one cache key:
// the first resolver constructs, everyone else waits for the same result.
type inflightCall struct {
	done chan struct{}
	val  any
	err  error
}

// Container is a registration and resolution context. The root container
// lives for the process; child containers are created per unit of work (for
// example one per inbound request) and shut down when it completes. All
// containers in a hierarchy share one provider table; each owns its private
// instance cache and finalizer stack.
type Container struct {
	id        string
	table     *providerTable
	parent    *Container
	root      *Container
	log       zerolog.Logger
	lifecycle *lifecycle

	disposed atomic.Bool

	mu         sync.Mutex
	cache      map[cacheKey]any
	finalizers []finalizer
	inflight   map[cacheKey]*inflightCall
	children   map[*Container]struct{}
}

// New creates a standalone root container with an empty provider table.
// Most applications build their root container through Build so the
// dependency graph is validated; New exists for dynamic setups and tests.
func New(opts ...BuildOption) *Container {
	o := applyBuildOptions(opts)
	return newRoot(newProviderTable(), o)
}

func newRoot(table *providerTable, o *buildOptions) *Container {
	c := &Container{
		id:        uuid.NewString(),
		table:     table,
		log:       o.logger,
		lifecycle: newLifecycle(o.logger),
		cache:     make(map[cacheKey]any),
		inflight:  make(map[cacheKey]*inflightCall),
		children:  make(map[*Container]struct{}),
	}
	c.root = c
	return c
}

// ID returns the container's unique identifier.
func (c *Container) ID() string { return c.id }

// Parent returns the parent container, or nil for the root.
func (c *Container) Parent() *Container { return c.parent }

// IsRoot reports whether this is the hierarchy's root container.
func (c *Container) IsRoot() bool { return c.parent == nil }

// Register adds a provider to the shared table. It fails with
// AlreadyRegisteredError when the (token, tag) pair is taken.
func (c *Container) Register(p Provider) error {
	if c.disposed.Load() {
		return ErrContainerDisposed
	}
	if p == nil {
		return ErrProviderNil
	}
	if p.Meta().Token.IsZero() {
		return RegistrationError{Operation: "register", Cause: ErrTokenZero}
	}

	return c.table.register(p)
}

// boundProvider re-registers an implementation provider under an interface
// token with its own scope. Construction still runs through the
// implementation provider.
type boundProvider struct {
	inner Provider
	meta  ProviderMeta
}

func (p *boundProvider) Meta() ProviderMeta { return p.meta }

func (p *boundProvider) Instantiate(rc *ResolveCtx) (any, error) {
	return p.inner.Instantiate(rc)
}

func (p *boundProvider) Shutdown() error { return p.inner.Shutdown() }

func (p *boundProvider) Unwrap() Provider { return p.inner }

// Bind registers a provider for an interface token that constructs through
// the given implementation provider.
//
// Example:
//
//	impl, _ := keel.NewConstructor(NewPostgresStore)
//	err := c.Bind(keel.TokenOf[Store](), impl, keel.ScopeSingleton)
func (c *Container) Bind(ifaceToken Token, impl Provider, scope Scope, opts ...ProviderOption) error {
	if c.disposed.Load() {
		return ErrContainerDisposed
	}
	if ifaceToken.IsZero() {
		return RegistrationError{Operation: "bind", Cause: ErrTokenZero}
	}
	if impl == nil {
		return RegistrationError{Token: ifaceToken, Operation: "bind", Cause: ErrProviderNil}
	}
	if !scope.IsValid() {
		return RegistrationError{Token: ifaceToken, Operation: "bind", Cause: ScopeValueError{Value: scope}}
	}

	o := applyProviderOptions(opts)
	meta := impl.Meta()
	meta.Token = ifaceToken
	meta.Scope = scope
	meta.Tags = o.tags
	if o.name != "" {
		meta.Name = o.name
	}

	return c.table.register(&boundProvider{inner: impl, meta: meta})
}

// RegisterInstance registers a fixed, pre-built value under a token. No
// construction step runs at resolve time.
func (c *Container) RegisterInstance(token Token, value any, scope Scope, opts ...ProviderOption) error {
	if c.disposed.Load() {
		return ErrContainerDisposed
	}
	if !scope.IsValid() {
		return RegistrationError{Token: token, Operation: "register-instance", Cause: ScopeValueError{Value: scope}}
	}

	opts = append(opts, WithToken(token), WithScope(scope))
	p, err := NewValue(value, opts...)
	if err != nil {
		return err
	}
	return c.table.register(p)
}

// IsRegistered reports whether a provider exists for the (token, tag) pair
// anywhere in the hierarchy. The table is shared by reference, so the local
// lookup covers the parent chain as well.
func (c *Container) IsRegistered(token Token, opts ...ResolveOption) bool {
	if c.disposed.Load() {
		return false
	}
	ro := applyResolveOptions(opts)
	_, ok := c.table.lookup(cacheKey{token: token, tag: ro.tag})
	return ok
}

// VisitRegistrations calls fn for every registered provider until fn returns
// false. Introspection only; the registration set may change concurrently.
func (c *Container) VisitRegistrations(fn func(ProviderMeta) bool) {
	c.table.visit(func(p Provider) bool {
		return fn(p.Meta())
	})
}

// CreateChildScope returns a new container sharing this container's provider
// table by reference, with an empty private cache, a no-op lifecycle, and
// this container as parent.
func (c *Container) CreateChildScope() *Container {
	child := &Container{
		id:        uuid.NewString(),
		table:     c.table,
		parent:    c,
		root:      c.root,
		log:       c.log,
		lifecycle: noopLifecycle(),
		cache:     make(map[cacheKey]any),
		inflight:  make(map[cacheKey]*inflightCall),
		children:  make(map[*Container]struct{}),
	}

	c.mu.Lock()
	c.children[child] = struct{}{}
	c.mu.Unlock()

	c.log.Debug().Str("container", child.id).Str("parent", c.id).Msg("child scope created")
	return child
}

// CreateChildScopeContext is CreateChildScope with automatic shutdown when
// the context is cancelled.
func (c *Container) CreateChildScopeContext(ctx context.Context) *Container {
	child := c.CreateChildScope()

	go func() {
		<-ctx.Done()
		if err := child.Shutdown(context.WithoutCancel(ctx)); err != nil {
			child.log.Error().Err(err).Str("container", child.id).Msg("context-driven shutdown failed")
		}
	}()

	return child
}

// Defer registers a cleanup action on this container's finalizer stack.
// Finalizers run in strict LIFO order at shutdown.
func (c *Container) Defer(fn func() error) {
	if fn == nil || c.disposed.Load() {
		return
	}
	c.mu.Lock()
	c.finalizers = append(c.finalizers, finalizer{name: "deferred", fn: fn})
	c.mu.Unlock()
}

// OnStartup registers a startup hook. Hooks only run on the root container;
// child containers carry a no-op lifecycle and ignore the registration.
func (c *Container) OnStartup(h Hook) {
	c.lifecycle.onStartup(h)
}

// OnShutdown registers a shutdown hook, run after the finalizer stack is
// drained. Hook errors are logged and isolated, never propagated.
func (c *Container) OnShutdown(h Hook) {
	c.lifecycle.onShutdown(h)
}

// Startup runs registered startup hooks in registration order. It is only
// valid on the root container and aborts on the first failing hook.
func (c *Container) Startup(ctx context.Context) error {
	if c.disposed.Load() {
		return ErrContainerDisposed
	}
	if !c.IsRoot() {
		return ErrStartupNotRoot
	}
	return c.lifecycle.startup(ctx)
}

// Shutdown disposes the container: child scopes first, then the finalizer
// stack in strict LIFO order, then shutdown hooks (errors logged, not
// propagated), and finally the instance cache. A second call is a no-op.
func (c *Container) Shutdown(ctx context.Context) error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	// Children are closed before this container's own finalizers so their
	// request-scoped resources unwind first.
	c.mu.Lock()
	children := make([]*Container, 0, len(c.children))
	for child := range c.children {
		children = append(children, child)
	}
	c.children = nil
	c.mu.Unlock()

	for _, child := range children {
		if err := child.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("child %s: %w", child.id, err))
		}
	}

	c.mu.Lock()
	finalizers := c.finalizers
	c.finalizers = nil
	cache := c.cache
	c.cache = nil
	c.mu.Unlock()

	for i := len(finalizers) - 1; i >= 0; i-- {
		if err := finalizers[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("finalizer %s: %w", finalizers[i].name, err))
		}
	}

	c.lifecycle.shutdown(ctx)

	// The root container also shuts down providers that own resources,
	// such as pooled providers draining their queues.
	if c.IsRoot() {
		c.table.visit(func(p Provider) bool {
			if err := p.Shutdown(); err != nil {
				c.log.Error().Err(err).Str("provider", p.Meta().Name).Msg("provider shutdown failed")
			}
			return true
		})
	}

	clear(cache)

	if c.parent != nil {
		c.parent.forgetChild(c)
	}

	c.log.Debug().Str("container", c.id).Msg("container shut down")

	if len(errs) > 0 {
		return ShutdownError{ContainerID: c.id, Errors: errs}
	}
	return nil
}

func (c *Container) forgetChild(child *Container) {
	c.mu.Lock()
	if c.children != nil {
		delete(c.children, child)
	}
	c.mu.Unlock()
}

// addFinalizerLocked registers the cleanup action for a freshly cached
// instance: release for pooled leases, the instance's own shutdown
// otherwise. Caller holds c.mu.
func (c *Container) addFinalizerLocked(p Provider, key cacheKey, v any) {
	if rel, ok := asReleasable(p); ok {
		c.finalizers = append(c.finalizers, finalizer{
			name: key.String(),
			fn: func() error {
				rel.Release(v)
				return nil
			},
		})
		return
	}

	var fn func() error
	switch inst := v.(type) {
	case interface{ Shutdown() error }:
		fn = inst.Shutdown
	case interface{ Close() error }:
		fn = inst.Close
	default:
		return
	}

	c.finalizers = append(c.finalizers, finalizer{name: key.String(), fn: fn})
}

// Resolve resolves a token to an instance, honoring the provider's scope.
// With Optional, an unregistered token yields (nil, nil) instead of a
// NotRegisteredError; construction failures always propagate unchanged.
func (c *Container) Resolve(token Token, opts ...ResolveOption) (any, error) {
	return c.ResolveContext(context.Background(), token, opts...)
}

// ResolveContext is Resolve with a context, honored by suspending providers
// such as pooled acquisition.
func (c *Container) ResolveContext(ctx context.Context, token Token, opts ...ResolveOption) (any, error) {
	if c.disposed.Load() {
		return nil, ErrContainerDisposed
	}
	if token.IsZero() {
		return nil, ErrTokenZero
	}

	ro := applyResolveOptions(opts)
	rc := newResolveCtx(c, ctx)
	return c.resolve(rc, Dep{Token: token, Tag: ro.tag, Optional: ro.optional})
}

// typeOf returns the reflect.Type of T.
func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func typeOfValue(v any) reflect.Type {
	if v == nil {
		return nil
	}
	return reflect.TypeOf(v)
}

// Resolve resolves a value of type T from the container.
//
// Example:
//
//	svc, err := keel.Resolve[*UserService](scope)
func Resolve[T any](c *Container, opts ...ResolveOption) (T, error) {
	var zero T

	v, err := c.Resolve(TokenOf[T](), opts...)
	if err != nil {
		return zero, err
	}

	out, ok := v.(T)
	if !ok {
		return zero, TypeMismatchError{
			Expected: typeOf[T](),
			Actual:   typeOfValue(v),
			Context:  "type assertion",
		}
	}
	return out, nil
}

// MustResolve is Resolve that panics on failure, for application
// initialization where a missing registration is fatal.
func MustResolve[T any](c *Container, opts ...ResolveOption) T {
	v, err := Resolve[T](c, opts...)
	if err != nil {
		panic(fmt.Sprintf("keel: failed to resolve %s: %v", TokenOf[T](), err))
	}
	return v
}

// ResolveOptional resolves T, reporting absence without an error.
func ResolveOptional[T any](c *Container, opts ...ResolveOption) (T, bool, error) {
	var zero T

	v, err := c.Resolve(TokenOf[T](), append(opts, Optional())...)
	if err != nil {
		return zero, false, err
	}
	if v == nil {
		return zero, false, nil
	}

	out, ok := v.(T)
	if !ok {
		return zero, false, TypeMismatchError{
			Expected: typeOf[T](),
			Actual:   typeOfValue(v),
			Context:  "type assertion",
		}
	}
	return out, true, nil
}

// containerContextKey carries a container through a context.Context.
type containerContextKey struct{}

// ContextWithContainer returns a context carrying the container, typically a
// per-request child scope installed by transport middleware.
func ContextWithContainer(ctx context.Context, c *Container) context.Context {
	return context.WithValue(ctx, containerContextKey{}, c)
}

// ContainerFromContext extracts the container installed by
// ContextWithContainer, or nil.
func ContainerFromContext(ctx context.Context) *Container {
	c, _ := ctx.Value(containerContextKey{}).(*Container)
	return c
}
