package keel

import (
	"context"
	"reflect"
)

// frame is one entry on the live resolution stack.
type frame struct {
	key   cacheKey
	scope Scope
}

// ResolveCtx is the per-resolution-tree context: one is created for each
// top-level resolve call and discarded when it returns. It carries the live
// resolution stack, used to catch cycles that escaped static analysis (for
// example through factory or optional edges), and a tree-scoped cache so the
// same token is never resolved twice within one tree.
//
// Factory providers receive the ResolveCtx and resolve their dependencies
// through it, which keeps their resolutions on the same stack.
type ResolveCtx struct {
	container *Container
	ctx       context.Context
	stack     []frame
	onStack   map[cacheKey]int // key -> index into stack
	cache     map[cacheKey]any
}

func newResolveCtx(c *Container, ctx context.Context) *ResolveCtx {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ResolveCtx{
		container: c,
		ctx:       ctx,
		onStack:   make(map[cacheKey]int),
		cache:     make(map[cacheKey]any),
	}
}

// Container returns the container the top-level resolve was called on.
func (rc *ResolveCtx) Container() *Container { return rc.container }

// Context returns the context of the top-level resolve call.
func (rc *ResolveCtx) Context() context.Context { return rc.ctx }

// Resolve resolves a dependency within the current resolution tree.
func (rc *ResolveCtx) Resolve(token Token, opts ...ResolveOption) (any, error) {
	if token.IsZero() {
		return nil, ErrTokenZero
	}
	ro := applyResolveOptions(opts)
	return rc.container.resolve(rc, Dep{Token: token, Tag: ro.tag, Optional: ro.optional})
}

// Deferred returns a lazy handle for the token, resolved against this
// resolution's container on first use.
func (rc *ResolveCtx) Deferred(token Token, opts ...ResolveOption) *Deferred {
	ro := applyResolveOptions(opts)
	return newDeferred(rc.container, token, ro.tag)
}

func (rc *ResolveCtx) push(key cacheKey, scope Scope) {
	rc.onStack[key] = len(rc.stack)
	rc.stack = append(rc.stack, frame{key: key, scope: scope})
}

func (rc *ResolveCtx) pop() {
	top := rc.stack[len(rc.stack)-1]
	delete(rc.onStack, top.key)
	rc.stack = rc.stack[:len(rc.stack)-1]
}

// liveCycleError reports the portion of the stack from the re-entered key to
// the top: the actual cycle that closed at runtime.
func (rc *ResolveCtx) liveCycleError(key cacheKey) error {
	start := rc.onStack[key]
	tokens := make([]Token, 0, len(rc.stack)-start)
	for _, f := range rc.stack[start:] {
		tokens = append(tokens, f.key.token)
	}
	return CycleError{Tokens: tokens, Live: true}
}

// enclosingScope returns the scope of the frame currently under
// construction, or ok=false at the top level.
func (rc *ResolveCtx) enclosingScope() (Scope, bool) {
	if len(rc.stack) == 0 {
		return 0, false
	}
	return rc.stack[len(rc.stack)-1].scope, true
}

// injectArg resolves one declared dependency into a constructor argument.
func (rc *ResolveCtx) injectArg(dep Dep, param reflect.Type) (reflect.Value, error) {
	if dep.Lazy {
		if param != deferredType {
			return reflect.Value{}, TypeMismatchError{
				Expected: deferredType,
				Actual:   param,
				Context:  "lazy constructor parameter",
			}
		}
		return reflect.ValueOf(newDeferred(rc.container, dep.Token, dep.Tag)), nil
	}

	v, err := rc.container.resolve(rc, dep)
	if err != nil {
		return reflect.Value{}, err
	}
	if v == nil {
		// Either an optional miss or a provider that legitimately produced
		// a nil value; both inject the parameter's zero value.
		return reflect.Zero(param), nil
	}

	rv := reflect.ValueOf(v)
	if !rv.Type().AssignableTo(param) {
		return reflect.Value{}, TypeMismatchError{
			Expected: param,
			Actual:   rv.Type(),
			Context:  "constructor parameter",
		}
	}
	return rv, nil
}

// resolve is the resolution algorithm. The receiver is the container the
// caller resolved against; scope delegation may hand construction and
// caching to the root.
func (c *Container) resolve(rc *ResolveCtx, dep Dep) (any, error) {
	key := cacheKey{token: dep.Token, tag: dep.Tag}

	// Tree-scoped cache: the same token never resolves twice in one tree.
	if v, ok := rc.cache[key]; ok {
		return v, nil
	}

	p, ok := c.table.lookup(key)
	if !ok {
		if dep.Optional {
			return nil, nil
		}
		return nil, NotRegisteredError{Token: dep.Token, Tag: dep.Tag}
	}
	meta := p.Meta()

	// Live cycle detection. A cycle member approved for laziness resolves
	// to a proxy handle instead of recursing forever; anything else is a
	// hard error.
	if _, onStack := rc.onStack[key]; onStack {
		if meta.AllowLazy && c.table.lazyApproved(key) {
			proxy := &lazyProxyProvider{inner: p, tag: dep.Tag}
			return proxy.Instantiate(rc)
		}
		return nil, rc.liveCycleError(key)
	}

	// A singleton or app provider under construction must not capture a
	// short-lived instance. Static analysis catches declared edges at build
	// time; this guards dynamic edges from factories.
	if meta.Scope.shortLived() {
		if enclosing, ok := rc.enclosingScope(); ok && enclosing.delegatesToRoot() {
			return nil, ScopeViolationError{
				Token:           rc.stack[len(rc.stack)-1].key.token,
				Scope:           enclosing,
				Dependency:      dep.Token,
				DependencyScope: meta.Scope,
			}
		}
	}

	// Scope delegation: singleton and app resolution always lands in the
	// root container so one instance is shared across the whole hierarchy.
	// No local caching happens for the delegated case.
	owner := c
	if meta.Scope.delegatesToRoot() {
		owner = c.root
	}

	var v any
	var err error
	if meta.Scope.cacheable() {
		v, err = owner.resolveCached(rc, p, key)
	} else {
		v, err = owner.construct(rc, p, key)
	}
	if err != nil {
		return nil, err
	}

	rc.cache[key] = v
	return v, nil
}

// resolveCached resolves through the owning container's instance cache with
// at most one construction per key in flight: concurrent resolvers of an
// uncached key await the first resolver's result instead of duplicating the
// construction.
func (c *Container) resolveCached(rc *ResolveCtx, p Provider, key cacheKey) (any, error) {
	c.mu.Lock()
	if c.disposed.Load() {
		c.mu.Unlock()
		return nil, ErrContainerDisposed
	}
	if v, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.val, call.err
		case <-rc.ctx.Done():
			return nil, rc.ctx.Err()
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	v, err := c.construct(rc, p, key)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil && c.cache != nil {
		c.cache[key] = v
		c.addFinalizerLocked(p, key, v)
	}
	c.mu.Unlock()

	call.val, call.err = v, err
	close(call.done)
	return v, err
}

// construct runs the provider with the key pushed on the live resolution
// stack. Construction failures propagate unchanged.
func (c *Container) construct(rc *ResolveCtx, p Provider, key cacheKey) (any, error) {
	rc.push(key, p.Meta().Scope)
	defer rc.pop()

	return p.Instantiate(rc)
}
