package keel

import (
	"fmt"
	"sync"
)

// Deferred is a lazy handle to a registered capability: a stand-in injected
// in place of a real instance to break a dependency cycle. The target is
// resolved on first use and memoized, so the indirection cost is a single
// sync.Once check after that.
//
// A constructor takes part in cycle breaking by declaring a lazy dependency:
//
//	func NewScheduler(store *keel.Deferred) *Scheduler { ... }
//
//	keel.NewConstructor(NewScheduler,
//	    keel.WithDeps(keel.Dep{Token: keel.TokenOf[*Store](), Lazy: true}))
//
// The handle must not be resolved inside the constructor itself; that would
// re-enter the cycle the handle exists to break.
type Deferred struct {
	container *Container
	token     Token
	tag       string

	once sync.Once
	val  any
	err  error
}

// newDeferred binds a handle to the container that will perform the eventual
// resolution.
func newDeferred(c *Container, token Token, tag string) *Deferred {
	return &Deferred{container: c, token: token, tag: tag}
}

// Token returns the token this handle resolves.
func (d *Deferred) Token() Token { return d.token }

// Value resolves the target on first call and returns the memoized result
// afterwards, including a memoized error.
func (d *Deferred) Value() (any, error) {
	d.once.Do(func() {
		opts := []ResolveOption{}
		if d.tag != "" {
			opts = append(opts, ForTag(d.tag))
		}
		d.val, d.err = d.container.Resolve(d.token, opts...)
	})
	return d.val, d.err
}

// MustValue is Value that panics on resolution failure.
func (d *Deferred) MustValue() any {
	v, err := d.Value()
	if err != nil {
		panic(fmt.Sprintf("keel: deferred resolution of %s failed: %v", d.token, err))
	}
	return v
}

// DeferredValue resolves a Deferred and asserts the result to T.
func DeferredValue[T any](d *Deferred) (T, error) {
	var zero T

	v, err := d.Value()
	if err != nil {
		return zero, err
	}

	out, ok := v.(T)
	if !ok {
		return zero, TypeMismatchError{
			Expected: typeOf[T](),
			Actual:   typeOfValue(v),
			Context:  "deferred value assertion",
		}
	}
	return out, nil
}

// lazyProxyProvider wraps another provider and yields a Deferred handle
// instead of a constructed instance. The registry substitutes it during
// resolution when a cycle member approved for laziness is re-entered on the
// live resolution stack.
type lazyProxyProvider struct {
	inner Provider
	tag   string
}

func (p *lazyProxyProvider) Meta() ProviderMeta { return p.inner.Meta() }

func (p *lazyProxyProvider) Instantiate(rc *ResolveCtx) (any, error) {
	return newDeferred(rc.container, p.inner.Meta().Token, p.tag), nil
}

func (p *lazyProxyProvider) Shutdown() error { return p.inner.Shutdown() }
