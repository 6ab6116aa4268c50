package keel_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel"
)

func TestBuild_Basic(t *testing.T) {
	t.Run("resolves the declared chain", func(t *testing.T) {
		t.Parallel()

		root := buildContainer(t, coreManifest(keel.ScopeRequest))

		scope := childScope(t, root)
		repo, err := keel.Resolve[*TRepository](scope)
		require.NoError(t, err)
		assert.Equal(t, "postgres://localhost/test", repo.Svc.DB.DSN)
	})

	t.Run("stamps the manifest name into provider metadata", func(t *testing.T) {
		t.Parallel()

		root := buildContainer(t, coreManifest(keel.ScopeRequest))

		modules := make(map[string]int)
		root.VisitRegistrations(func(meta keel.ProviderMeta) bool {
			modules[meta.Module]++
			return true
		})
		assert.Equal(t, 4, modules["core"])
	})

	t.Run("rejects an unnamed manifest", func(t *testing.T) {
		t.Parallel()

		_, err := keel.Build([]*keel.Manifest{keel.NewManifest("")})
		require.Error(t, err)
		assert.ErrorIs(t, err, keel.ErrManifestNameEmpty)

		var berr keel.BuildError
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, "load", berr.Phase)
	})

	t.Run("attributes declaration mistakes to the manifest", func(t *testing.T) {
		t.Parallel()

		m := keel.NewManifest("billing",
			keel.ProvideConstructor(42),
		)
		_, err := keel.Build([]*keel.Manifest{m})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "billing")
	})

	t.Run("rejects duplicate registrations across manifests", func(t *testing.T) {
		t.Parallel()

		a := keel.NewManifest("a", keel.ProvideValue(&TConfig{DSN: "one"}))
		b := keel.NewManifest("b", keel.ProvideValue(&TConfig{DSN: "two"}))

		_, err := keel.Build([]*keel.Manifest{a, b})
		require.Error(t, err)

		var aerr keel.AlreadyRegisteredError
		assert.ErrorAs(t, err, &aerr)
	})

	t.Run("tagged registrations coexist and resolve by tag", func(t *testing.T) {
		t.Parallel()

		m := keel.NewManifest("dbs",
			keel.ProvideValue(&TConfig{DSN: "primary"}, keel.WithTag("primary")),
			keel.ProvideValue(&TConfig{DSN: "replica"}, keel.WithTag("replica")),
		)
		root := buildContainer(t, m)

		primary, err := keel.Resolve[*TConfig](root, keel.ForTag("primary"))
		require.NoError(t, err)
		assert.Equal(t, "primary", primary.DSN)

		replica, err := keel.Resolve[*TConfig](root, keel.ForTag("replica"))
		require.NoError(t, err)
		assert.Equal(t, "replica", replica.DSN)

		_, err = keel.Resolve[*TConfig](root)
		assert.ErrorIs(t, err, keel.ErrNotRegistered)
	})
}

func TestBuild_CycleDetection(t *testing.T) {
	t.Run("rejects a two-member cycle", func(t *testing.T) {
		t.Parallel()

		m := keel.NewManifest("cyclic",
			keel.ProvideConstructor(NewTCycleA),
			keel.ProvideConstructor(NewTCycleB),
		)
		_, err := keel.Build([]*keel.Manifest{m})
		require.Error(t, err)

		var berr keel.BuildError
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, "cycle-detection", berr.Phase)

		var cerr keel.CycleError
		require.ErrorAs(t, err, &cerr)
		assert.False(t, cerr.Live)
		assert.Len(t, cerr.Tokens, 2)
	})

	t.Run("rejects a self-loop", func(t *testing.T) {
		t.Parallel()

		m := keel.NewManifest("selfish",
			keel.ProvideConstructor(func(a *TCycleA) *TCycleA { return a }),
		)
		_, err := keel.Build([]*keel.Manifest{m})
		require.Error(t, err)

		var cerr keel.CycleError
		assert.ErrorAs(t, err, &cerr)
	})

	t.Run("admits a cycle with a lazy member", func(t *testing.T) {
		t.Parallel()

		m := keel.NewManifest("lazy",
			keel.ProvideConstructor(NewTLazyA, keel.WithScope(keel.ScopeSingleton)),
			keel.ProvideConstructor(NewTLazyB,
				keel.WithDeps(keel.Dep{Token: keel.TokenOf[*TLazyA](), Lazy: true}),
				keel.AllowLazy(),
			),
		)
		root := buildContainer(t, m)

		a, err := keel.Resolve[*TLazyA](root)
		require.NoError(t, err)
		require.NotNil(t, a.B)

		// The deferred handle closes the cycle back to the singleton.
		back, err := keel.DeferredValue[*TLazyA](a.B.A)
		require.NoError(t, err)
		assert.Same(t, a, back)
	})
}

func TestBuild_CrossModule(t *testing.T) {
	payments := func() *keel.Manifest {
		return keel.NewManifest("payments",
			keel.ProvideValue(&TConfig{DSN: "payments-db"}),
		)
	}

	t.Run("rejects undeclared cross-module edges", func(t *testing.T) {
		t.Parallel()

		orders := keel.NewManifest("orders",
			keel.ProvideConstructor(NewTDatabase, keel.WithScope(keel.ScopeSingleton)),
		)
		_, err := keel.Build([]*keel.Manifest{payments(), orders})
		require.Error(t, err)

		var xerr keel.CrossModuleError
		require.ErrorAs(t, err, &xerr)
		assert.Equal(t, "orders", xerr.Module)
		assert.Equal(t, "payments", xerr.Dependency)
	})

	t.Run("accepts declared cross-module edges", func(t *testing.T) {
		t.Parallel()

		orders := keel.NewManifest("orders",
			keel.DependsOn("payments"),
			keel.ProvideConstructor(NewTDatabase, keel.WithScope(keel.ScopeSingleton)),
		)
		root := buildContainer(t, payments(), orders)

		db, err := keel.Resolve[*TDatabase](root)
		require.NoError(t, err)
		assert.Equal(t, "payments-db", db.DSN)
	})
}

func TestBuild_ScopeAnalysis(t *testing.T) {
	violating := func() []*keel.Manifest {
		return []*keel.Manifest{keel.NewManifest("core",
			keel.ProvideValue(&TConfig{}, keel.WithScope(keel.ScopeRequest)),
			keel.ProvideConstructor(NewTDatabase, keel.WithScope(keel.ScopeSingleton)),
		)}
	}

	t.Run("rejects singleton depending on request", func(t *testing.T) {
		t.Parallel()

		_, err := keel.Build(violating())
		require.Error(t, err)

		var berr keel.BuildError
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, "scope-analysis", berr.Phase)

		var verr keel.ScopeViolationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, keel.ScopeSingleton, verr.Scope)
		assert.Equal(t, keel.ScopeRequest, verr.DependencyScope)
	})

	t.Run("strict scopes disabled defers the check to resolution", func(t *testing.T) {
		t.Parallel()

		root, err := keel.Build(violating(), keel.WithStrictScopes(false))
		require.NoError(t, err)
		t.Cleanup(func() { _ = root.Shutdown(context.Background()) })

		_, err = keel.Resolve[*TDatabase](root)
		require.Error(t, err)

		var verr keel.ScopeViolationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestBuild_EagerSingletons(t *testing.T) {
	t.Parallel()

	var built atomic.Int64
	m := keel.NewManifest("eager",
		keel.ProvideConstructor(func() *TConfig {
			built.Add(1)
			return &TConfig{DSN: "eager"}
		}, keel.WithScope(keel.ScopeSingleton)),
	)

	root, err := keel.Build([]*keel.Manifest{m},
		keel.WithEagerSingletons(),
		keel.WithBuildTimeout(5*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Shutdown(context.Background()) })

	assert.Equal(t, int64(1), built.Load())

	// First resolution serves the instance built during Build.
	_, err = keel.Resolve[*TConfig](root)
	require.NoError(t, err)
	assert.Equal(t, int64(1), built.Load())
}

func TestBuild_LifecycleHooks(t *testing.T) {
	t.Parallel()

	var events []string
	m := keel.NewManifest("app",
		keel.ProvideValue(&TConfig{}),
		keel.OnStartup("migrate", func(ctx context.Context) error {
			events = append(events, "migrate")
			return nil
		}),
		keel.OnStartup("warm-cache", func(ctx context.Context) error {
			events = append(events, "warm-cache")
			return nil
		}),
		keel.OnShutdown("flush", func(ctx context.Context) error {
			events = append(events, "flush")
			return nil
		}),
	)

	root, err := keel.Build([]*keel.Manifest{m})
	require.NoError(t, err)

	require.NoError(t, root.Startup(context.Background()))
	require.NoError(t, root.Shutdown(context.Background()))

	assert.Equal(t, []string{"migrate", "warm-cache", "flush"}, events)
}
