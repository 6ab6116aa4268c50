package keel_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel"
)

func TestDeferred_Memoization(t *testing.T) {
	t.Parallel()

	var built atomic.Int64
	m := keel.NewManifest("lazy",
		keel.ProvideConstructor(func(b *TLazyB) *TLazyA {
			built.Add(1)
			return &TLazyA{B: b}
		}),
		keel.ProvideConstructor(NewTLazyB,
			keel.WithDeps(keel.Dep{Token: keel.TokenOf[*TLazyA](), Lazy: true}),
			keel.AllowLazy(),
		),
	)
	root := buildContainer(t, m)

	a := keel.MustResolve[*TLazyA](root)
	require.Equal(t, int64(1), built.Load())

	// The deferred target is transient, but the handle resolves once and
	// memoizes.
	first, err := a.B.A.Value()
	require.NoError(t, err)
	second, err := a.B.A.Value()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(2), built.Load())
}

func TestDeferred_Accessors(t *testing.T) {
	t.Parallel()

	root := keel.New()
	t.Cleanup(func() { _ = root.Shutdown(context.Background()) })

	missing := keel.NamedToken("missing")
	handle, err := keel.NewFactory(keel.NamedToken("handle"), func(rc *keel.ResolveCtx) (any, error) {
		return rc.Deferred(missing), nil
	})
	require.NoError(t, err)
	require.NoError(t, root.Register(handle))

	v, err := root.Resolve(keel.NamedToken("handle"))
	require.NoError(t, err)
	d := v.(*keel.Deferred)

	assert.Equal(t, missing, d.Token())

	_, err = d.Value()
	assert.ErrorIs(t, err, keel.ErrNotRegistered)
	assert.Panics(t, func() { d.MustValue() })
}

func TestDeferredValue_TypeMismatch(t *testing.T) {
	t.Parallel()

	root := keel.New()
	t.Cleanup(func() { _ = root.Shutdown(context.Background()) })

	require.NoError(t, root.RegisterInstance(keel.TokenOf[*TConfig](), &TConfig{}, keel.ScopeSingleton))

	factory, err := keel.NewFactory(keel.NamedToken("handle"), func(rc *keel.ResolveCtx) (any, error) {
		return rc.Deferred(keel.TokenOf[*TConfig]()), nil
	})
	require.NoError(t, err)
	require.NoError(t, root.Register(factory))

	v, err := root.Resolve(keel.NamedToken("handle"))
	require.NoError(t, err)

	_, err = keel.DeferredValue[*TDatabase](v.(*keel.Deferred))
	require.Error(t, err)

	var merr keel.TypeMismatchError
	assert.ErrorAs(t, err, &merr)
}

func TestLiveCycle_FactoryLoop(t *testing.T) {
	t.Parallel()

	// Factories hide their edges from the builder, so a cycle through them
	// only closes on the live resolution stack.
	root := keel.New()
	t.Cleanup(func() { _ = root.Shutdown(context.Background()) })

	tokenA := keel.NamedToken("loop.a")
	tokenB := keel.NamedToken("loop.b")

	fa, err := keel.NewFactory(tokenA, func(rc *keel.ResolveCtx) (any, error) {
		return rc.Resolve(tokenB)
	})
	require.NoError(t, err)
	fb, err := keel.NewFactory(tokenB, func(rc *keel.ResolveCtx) (any, error) {
		return rc.Resolve(tokenA)
	})
	require.NoError(t, err)
	require.NoError(t, root.Register(fa))
	require.NoError(t, root.Register(fb))

	_, err = root.Resolve(tokenA)
	require.Error(t, err)

	var cerr keel.CycleError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Live)
	assert.Len(t, cerr.Tokens, 2)
}

func TestLiveCycle_ApprovedMemberYieldsDeferred(t *testing.T) {
	t.Parallel()

	tokenA := keel.NamedToken("svc.a")
	tokenB := keel.NamedToken("svc.b")

	var got any
	m := keel.NewManifest("cyclic",
		keel.ProvideFactory(tokenA, func(rc *keel.ResolveCtx) (any, error) {
			return rc.Resolve(tokenB)
		}, keel.WithDeps(keel.Dep{Token: tokenB}), keel.AllowLazy()),
		keel.ProvideFactory(tokenB, func(rc *keel.ResolveCtx) (any, error) {
			v, err := rc.Resolve(tokenA)
			got = v
			return &TConfig{DSN: "b"}, err
		}, keel.WithDeps(keel.Dep{Token: tokenA})),
	)
	root := buildContainer(t, m)

	_, err := root.Resolve(tokenA)
	require.NoError(t, err)

	// Re-entering the approved member mid-stack produced a handle, not a
	// recursive resolution.
	assert.IsType(t, &keel.Deferred{}, got)
}
