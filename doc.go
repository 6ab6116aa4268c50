// Package keel is a hierarchical dependency injection container for Go.
//
// Providers are declared in manifests, validated as a whole by the registry,
// and resolved through a container hierarchy:
//
//	ordersManifest := keel.NewManifest("orders",
//	    keel.DependsOn("payments"),
//	    keel.ProvideConstructor(NewOrderService, keel.WithScope(keel.ScopeRequest)),
//	)
//
//	root, err := keel.Build([]*keel.Manifest{paymentsManifest, ordersManifest})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer root.Shutdown(context.Background())
//
//	scope := root.CreateChildScope()
//	defer scope.Shutdown(ctx)
//
//	svc, err := keel.Resolve[*OrderService](scope)
//
// Build validates the full dependency graph before emitting the root
// container: dependency cycles, undeclared cross-module edges, and
// long-lived providers depending on short-lived ones all fail the build
// rather than the first unlucky resolution.
//
// Scopes control instance lifetime. Singleton and app instances are shared
// across the whole hierarchy, request instances are cached per child scope,
// transient and ephemeral instances are never cached, and pooled instances
// are leased from a bounded pool and returned when the resolving scope shuts
// down.
//
// Cycles that cannot be designed away are broken explicitly: mark one member
// with AllowLazy and declare the closing dependency as lazy, and the
// container injects a *Deferred handle resolved on first use instead of
// recursing.
package keel
