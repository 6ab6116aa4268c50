package keel

import "context"

// Manifest is a named, process-local registration unit: a collection of
// provider declarations plus the modules it depends on. Manifests are the
// registry's input; their concrete external representation (code, file,
// config) is up to the caller.
//
// Example:
//
//	var OrdersManifest = keel.NewManifest("orders",
//	    keel.DependsOn("payments"),
//	    keel.ProvideConstructor(NewOrderService, keel.WithScope(keel.ScopeRequest)),
//	    keel.ProvideValue(DefaultOrderLimits{}),
//	)
type Manifest struct {
	name      string
	dependsOn []string
	entries   []manifestEntry
	startup   []Hook
	shutdown  []Hook
}

// manifestEntry defers provider construction to Build, so declaration-site
// mistakes surface as build errors with the manifest's name attached.
type manifestEntry struct {
	build func() (Provider, error)
}

// ManifestOption adds one declaration to a manifest.
type ManifestOption func(*Manifest)

// NewManifest assembles a manifest from declarations.
func NewManifest(name string, opts ...ManifestOption) *Manifest {
	m := &Manifest{name: name}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Name returns the manifest's module name.
func (m *Manifest) Name() string { return m.name }

// DependsOn declares the modules whose providers this manifest's providers
// may depend on. Cross-module edges without a matching declaration fail the
// build.
func DependsOn(modules ...string) ManifestOption {
	return func(m *Manifest) {
		m.dependsOn = append(m.dependsOn, modules...)
	}
}

// Provide declares an already-constructed provider.
func Provide(p Provider) ManifestOption {
	return func(m *Manifest) {
		m.entries = append(m.entries, manifestEntry{
			build: func() (Provider, error) {
				if p == nil {
					return nil, ErrProviderNil
				}
				return p, nil
			},
		})
	}
}

// ProvideConstructor declares a constructor-based provider; the signature is
// analyzed at build time.
func ProvideConstructor(fn any, opts ...ProviderOption) ManifestOption {
	opts = append(opts, withSource(callerSource(2)))
	return func(m *Manifest) {
		m.entries = append(m.entries, manifestEntry{
			build: func() (Provider, error) {
				return NewConstructor(fn, opts...)
			},
		})
	}
}

// ProvideFactory declares a factory-based provider.
func ProvideFactory(token Token, fn FactoryFunc, opts ...ProviderOption) ManifestOption {
	opts = append(opts, withSource(callerSource(2)))
	return func(m *Manifest) {
		m.entries = append(m.entries, manifestEntry{
			build: func() (Provider, error) {
				return NewFactory(token, fn, opts...)
			},
		})
	}
}

// ProvideValue declares a fixed, pre-built value.
func ProvideValue(value any, opts ...ProviderOption) ManifestOption {
	opts = append(opts, withSource(callerSource(2)))
	return func(m *Manifest) {
		m.entries = append(m.entries, manifestEntry{
			build: func() (Provider, error) {
				return NewValue(value, opts...)
			},
		})
	}
}

// ProvidePooled declares a pooled provider of the given bound.
func ProvidePooled(token Token, factory func() (any, error), size int, opts ...ProviderOption) ManifestOption {
	opts = append(opts, withSource(callerSource(2)))
	return func(m *Manifest) {
		m.entries = append(m.entries, manifestEntry{
			build: func() (Provider, error) {
				return NewPooled(token, factory, size, opts...)
			},
		})
	}
}

// OnStartup declares a startup hook registered on the root container, run by
// Container.Startup in manifest order.
func OnStartup(name string, fn func(ctx context.Context) error) ManifestOption {
	return func(m *Manifest) {
		m.startup = append(m.startup, Hook{Name: name, Fn: fn})
	}
}

// OnShutdown declares a shutdown hook registered on the root container.
func OnShutdown(name string, fn func(ctx context.Context) error) ManifestOption {
	return func(m *Manifest) {
		m.shutdown = append(m.shutdown, Hook{Name: name, Fn: fn})
	}
}
