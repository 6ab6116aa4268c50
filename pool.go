package keel

import (
	"sync"
	"time"
)

// PoolStats is a point-in-time snapshot of a pooled provider's state.
type PoolStats struct {
	Size   int // configured bound
	Idle   int // instances waiting in the queue
	Leased int // instances currently acquired
}

// pooledProvider serves instances from a bounded queue. Instantiate acquires
// an instance, creating one on demand until the bound is reached and then
// waiting for a release, up to the configured timeout. The container caches
// the acquired instance like a request-scoped one and registers a finalizer
// that releases it back to the queue, so release happens on every exit path
// of the owning scope.
type pooledProvider struct {
	meta    ProviderMeta
	factory func() (any, error)
	deps    []Dep
	size    int
	timeout time.Duration

	mu      sync.Mutex
	created int
	closed  bool
	idle    chan any
}

// NewPooled creates a pooled provider of the given bound. The factory builds
// pool members; it runs at most size times over the pool's lifetime. The
// scope is always ScopePooled.
func NewPooled(token Token, factory func() (any, error), size int, opts ...ProviderOption) (Provider, error) {
	if token.IsZero() {
		return nil, RegistrationError{Operation: "create-pool", Cause: ErrTokenZero}
	}
	if factory == nil {
		return nil, RegistrationError{Token: token, Operation: "create-pool", Cause: ErrConstructorNil}
	}
	if size <= 0 {
		return nil, RegistrationError{Token: token, Operation: "create-pool", Cause: ErrPoolSizeInvalid}
	}

	o := applyProviderOptions(opts)

	return &pooledProvider{
		meta:    newMeta(token, ScopePooled, o, callerSource(2)),
		factory: factory,
		deps:    o.deps,
		size:    size,
		timeout: o.poolTimeout,
		idle:    make(chan any, size),
	}, nil
}

func (p *pooledProvider) Meta() ProviderMeta { return p.meta }

func (p *pooledProvider) Deps() []Dep { return p.deps }

// Instantiate acquires a pool member. Exhaustion beyond the timeout yields a
// PoolExhaustedError, which is non-fatal: the caller may retry or fail the
// enclosing operation.
func (p *pooledProvider) Instantiate(rc *ResolveCtx) (any, error) {
	// Fast path: an idle instance is waiting.
	select {
	case v := <-p.idle:
		return v, nil
	default:
	}

	// Grow the pool if under the bound.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrContainerDisposed
	}
	if p.created < p.size {
		p.created++
		p.mu.Unlock()

		v, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}
		return v, nil
	}
	p.mu.Unlock()

	// At the bound: wait for a release.
	ctx := rc.Context()
	var timeout <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case v := <-p.idle:
		return v, nil
	case <-timeout:
		return nil, PoolExhaustedError{Token: p.meta.Token, Timeout: p.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an acquired instance to the queue. Called by the owning
// container's finalizer at scope shutdown.
func (p *pooledProvider) Release(v any) {
	if v == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		closeInstance(v)
		return
	}

	select {
	case p.idle <- v:
	default:
		// Queue full: a foreign value was released, drop it.
		closeInstance(v)
	}
}

// Shutdown drains and closes all idle pool members. Leased instances are
// closed when their release finds the pool shut down.
func (p *pooledProvider) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case v := <-p.idle:
			closeInstance(v)
		default:
			return nil
		}
	}
}

// Stats reports the pool's current occupancy.
func (p *pooledProvider) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := len(p.idle)
	return PoolStats{
		Size:   p.size,
		Idle:   idle,
		Leased: p.created - idle,
	}
}

// closeInstance runs an instance's own cleanup if it exposes one.
func closeInstance(v any) {
	switch c := v.(type) {
	case interface{ Shutdown() error }:
		_ = c.Shutdown()
	case interface{ Close() error }:
		_ = c.Close()
	}
}
