package keel

import (
	"time"

	"github.com/rs/zerolog"
)

// ProviderOption modifies provider construction.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	name      string
	token     Token
	scope     Scope
	scopeSet  bool
	tags      []string
	version   string
	allowLazy bool
	deps      []Dep
	depsSet   bool
	source    string

	// pooled provider settings
	poolTimeout time.Duration
}

// WithName sets a human-readable provider name for diagnostics.
func WithName(name string) ProviderOption {
	return func(o *providerOptions) { o.name = name }
}

// WithToken overrides the token derived from the constructor's return type.
// Required for factory and value providers serving a named token.
func WithToken(token Token) ProviderOption {
	return func(o *providerOptions) { o.token = token }
}

// WithScope sets the provider's lifetime policy. The default is
// ScopeTransient for constructors and factories, ScopeSingleton for values.
func WithScope(scope Scope) ProviderOption {
	return func(o *providerOptions) {
		o.scope = scope
		o.scopeSet = true
	}
}

// WithTag registers the provider under a tag, disambiguating multiple
// providers for the same token. May be given more than once to register the
// same provider under several tags.
func WithTag(tag string) ProviderOption {
	return func(o *providerOptions) { o.tags = append(o.tags, tag) }
}

// WithVersion attaches an optional version string to the provider metadata.
func WithVersion(version string) ProviderOption {
	return func(o *providerOptions) { o.version = version }
}

// AllowLazy marks the provider as eligible for lazy-proxy resolution, which
// permits it to be a member of a dependency cycle.
func AllowLazy() ProviderOption {
	return func(o *providerOptions) { o.allowLazy = true }
}

// WithDeps declares the provider's dependencies explicitly, overriding the
// ones derived from the constructor signature. The declaration must cover
// every constructor parameter, in order. Factory providers use WithDeps to
// make their runtime resolutions visible to build-time validation.
func WithDeps(deps ...Dep) ProviderOption {
	return func(o *providerOptions) {
		o.deps = deps
		o.depsSet = true
	}
}

// withSource overrides the captured declaration site. Manifest declarations
// use it so diagnostics point at the manifest entry, not the deferred build
// call.
func withSource(source string) ProviderOption {
	return func(o *providerOptions) { o.source = source }
}

// WithPoolTimeout bounds how long a pooled acquisition waits for an idle
// instance before failing with PoolExhaustedError. Zero means wait until the
// resolving context is cancelled.
func WithPoolTimeout(timeout time.Duration) ProviderOption {
	return func(o *providerOptions) { o.poolTimeout = timeout }
}

func applyProviderOptions(opts []ProviderOption) *providerOptions {
	o := &providerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.tags = normalizeTags(o.tags)
	return o
}

// ResolveOption modifies a single resolve call.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	tag      string
	optional bool
}

// ForTag resolves the registration under the given tag instead of the
// default one.
func ForTag(tag string) ResolveOption {
	return func(o *resolveOptions) { o.tag = tag }
}

// Optional turns an unregistered-token miss into a nil result instead of a
// NotRegisteredError. Construction failures still propagate.
func Optional() ResolveOption {
	return func(o *resolveOptions) { o.optional = true }
}

func applyResolveOptions(opts []ResolveOption) resolveOptions {
	var o resolveOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// BuildOption modifies registry build behavior.
type BuildOption func(*buildOptions)

type buildOptions struct {
	logger          zerolog.Logger
	loggerSet       bool
	buildTimeout    time.Duration
	strictScopes    bool
	eagerSingletons bool
}

// WithLogger sets the logger the container hierarchy uses for lifecycle
// events and shutdown-hook errors. The default discards everything.
func WithLogger(logger zerolog.Logger) BuildOption {
	return func(o *buildOptions) {
		o.logger = logger
		o.loggerSet = true
	}
}

// WithBuildTimeout bounds the whole build pipeline, including eager
// singleton construction.
func WithBuildTimeout(timeout time.Duration) BuildOption {
	return func(o *buildOptions) { o.buildTimeout = timeout }
}

// WithStrictScopes controls build-time scope analysis. It is enabled by
// default; disabling it defers scope violations to the first resolution of
// the offending provider.
func WithStrictScopes(strict bool) BuildOption {
	return func(o *buildOptions) { o.strictScopes = strict }
}

// WithEagerSingletons constructs every singleton and app scoped provider in
// dependency order during Build, instead of on first resolution.
func WithEagerSingletons() BuildOption {
	return func(o *buildOptions) { o.eagerSingletons = true }
}

func applyBuildOptions(opts []BuildOption) *buildOptions {
	o := &buildOptions{
		logger:       zerolog.Nop(),
		strictScopes: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
