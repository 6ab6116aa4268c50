package keel

import (
	"context"
	"fmt"

	"github.com/keelframework/keel/internal/graph"
)

// Registry is the build-time component: it loads provider declarations from
// manifests, validates the dependency graph, and emits the root container.
// The registry and its graph exist only during the build and are discarded
// once the container is produced.
type Registry struct {
	manifests []*Manifest
}

// NewRegistry creates a registry over the given manifests.
func NewRegistry(manifests ...*Manifest) *Registry {
	return &Registry{manifests: manifests}
}

// Build is shorthand for NewRegistry(manifests...).Build(opts...).
func Build(manifests []*Manifest, opts ...BuildOption) (*Container, error) {
	return NewRegistry(manifests...).Build(opts...)
}

// loadedProvider pairs a stamped provider with its graph nodes.
type loadedProvider struct {
	provider Provider
	module   string
}

// Build runs the pipeline: load declarations, build the dependency graph,
// detect cycles, validate cross-module edges, analyze scopes, and emit a
// root container. Every failure aborts the build; no partially valid
// container is ever produced.
func (r *Registry) Build(opts ...BuildOption) (*Container, error) {
	o := applyBuildOptions(opts)

	ctx := context.Background()
	if o.buildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.buildTimeout)
		defer cancel()
	}

	table := newProviderTable()
	loaded, err := r.load(table)
	if err != nil {
		return nil, err
	}

	g, tokens := buildGraph(loaded)

	if err := detectCycles(g, tokens, table); err != nil {
		return nil, err
	}

	if err := r.validateCrossModule(g, tokens); err != nil {
		return nil, err
	}

	if o.strictScopes {
		if err := analyzeScopes(g, tokens); err != nil {
			return nil, err
		}
	}

	c := newRoot(table, o)
	for _, m := range r.manifests {
		for _, h := range m.startup {
			c.lifecycle.onStartup(h)
		}
		for _, h := range m.shutdown {
			c.lifecycle.onShutdown(h)
		}
	}

	if o.eagerSingletons {
		if err := createSingletons(ctx, c, g, tokens); err != nil {
			_ = c.Shutdown(context.WithoutCancel(ctx))
			return nil, err
		}
	}

	c.log.Debug().Int("providers", g.Size()).Int("manifests", len(r.manifests)).Msg("container built")
	return c, nil
}

// load instantiates every declared provider, stamps its module into the
// metadata, and registers it. Registration conflicts and declaration
// mistakes abort the load.
func (r *Registry) load(table *providerTable) ([]loadedProvider, error) {
	var loaded []loadedProvider

	for _, m := range r.manifests {
		if m == nil {
			continue
		}
		if m.name == "" {
			return nil, BuildError{Phase: "load", Cause: ErrManifestNameEmpty}
		}

		for _, entry := range m.entries {
			p, err := entry.build()
			if err != nil {
				return nil, BuildError{Phase: "load", Cause: fmt.Errorf("manifest %q: %w", m.name, err)}
			}

			meta := p.Meta()
			meta.Module = m.name
			stamped := &moduleProvider{inner: p, meta: meta}

			if err := table.register(stamped); err != nil {
				return nil, BuildError{Phase: "load", Cause: fmt.Errorf("manifest %q: %w", m.name, err)}
			}

			loaded = append(loaded, loadedProvider{provider: stamped, module: m.name})
		}
	}

	return loaded, nil
}

// buildGraph constructs the adjacency structure from declared dependencies.
// A provider registered under several tags contributes one node per tag.
// Tagged and optional edges carry their metadata but do not change cycle
// semantics. The returned map recovers Tokens from graph node IDs for
// diagnostics.
func buildGraph(loaded []loadedProvider) (*graph.Graph, map[graph.NodeID]Token) {
	g := graph.New()
	tokens := make(map[graph.NodeID]Token)

	for _, lp := range loaded {
		meta := lp.provider.Meta()
		deps := declaredDeps(lp.provider)

		edges := make([]graph.Edge, 0, len(deps))
		for _, dep := range deps {
			to := graph.NodeID{Token: dep.Token.key, Tag: dep.Tag}
			tokens[to] = dep.Token
			edges = append(edges, graph.Edge{To: to, Optional: dep.Optional, Lazy: dep.Lazy})
		}

		for _, tag := range registrationTags(meta) {
			id := graph.NodeID{Token: meta.Token.key, Tag: tag}
			tokens[id] = meta.Token
			g.Add(&graph.Node{
				ID:        id,
				Module:    meta.Module,
				Source:    meta.Source,
				Scope:     int(meta.Scope),
				AllowLazy: meta.AllowLazy,
				Edges:     edges,
			})
		}
	}

	return g, tokens
}

// detectCycles runs Tarjan SCC detection. A non-trivial component (more than
// one member, or a self-loop) with no lazy-eligible member is fatal. When at
// least one member permits laziness, the component's lazy members are
// approved for proxy substitution at resolve time instead.
func detectCycles(g *graph.Graph, tokens map[graph.NodeID]Token, table *providerTable) error {
	for _, scc := range g.SCCs() {
		if len(scc) == 1 && !g.HasSelfLoop(scc[0]) {
			continue // trivial component
		}

		lazyEligible := false
		for _, id := range scc {
			if n := g.Node(id); n != nil && n.AllowLazy {
				lazyEligible = true
				break
			}
		}

		if !lazyEligible {
			path := g.CyclePath(scc)
			cerr := CycleError{
				Tokens:    make([]Token, 0, len(path)),
				Locations: make([]string, 0, len(path)),
			}
			for _, id := range path {
				cerr.Tokens = append(cerr.Tokens, tokens[id])
				source := ""
				if n := g.Node(id); n != nil {
					source = n.Source
				}
				cerr.Locations = append(cerr.Locations, source)
			}
			return BuildError{Phase: "cycle-detection", Cause: cerr}
		}

		for _, id := range scc {
			if n := g.Node(id); n != nil && n.AllowLazy {
				table.approveLazy(cacheKey{token: tokens[id], tag: id.Tag})
			}
		}
	}

	return nil
}

// validateCrossModule checks every edge crossing a module boundary against
// the dependent manifest's depends-on list.
func (r *Registry) validateCrossModule(g *graph.Graph, tokens map[graph.NodeID]Token) error {
	dependsOn := make(map[string]map[string]bool, len(r.manifests))
	for _, m := range r.manifests {
		if m == nil {
			continue
		}
		set := make(map[string]bool, len(m.dependsOn))
		for _, name := range m.dependsOn {
			set[name] = true
		}
		dependsOn[m.name] = set
	}

	for _, n := range g.Nodes() {
		for _, e := range n.Edges {
			target := g.Node(e.To)
			if target == nil || target.Module == "" || n.Module == "" {
				continue // dangling or container-registered edge ends
			}
			if target.Module == n.Module {
				continue
			}
			if !dependsOn[n.Module][target.Module] {
				return BuildError{Phase: "cross-module", Cause: CrossModuleError{
					Module:     n.Module,
					Dependency: target.Module,
					Token:      tokens[e.To],
				}}
			}
		}
	}

	return nil
}

// analyzeScopes catches long-lived providers that statically depend on
// short-lived ones at build time, before the capture could happen. Optional
// and lazy edges participate; edges to unregistered tokens do not (an
// optional miss injects nothing).
func analyzeScopes(g *graph.Graph, tokens map[graph.NodeID]Token) error {
	for _, n := range g.Nodes() {
		if !Scope(n.Scope).delegatesToRoot() {
			continue
		}
		for _, e := range n.Edges {
			target := g.Node(e.To)
			if target == nil {
				continue
			}
			if Scope(target.Scope).shortLived() {
				return BuildError{Phase: "scope-analysis", Cause: ScopeViolationError{
					Token:           tokens[n.ID],
					Scope:           Scope(n.Scope),
					Dependency:      tokens[e.To],
					DependencyScope: Scope(target.Scope),
				}}
			}
		}
	}

	return nil
}

// createSingletons eagerly constructs every singleton and app provider in
// dependency order, flattened from the SCC emission order.
func createSingletons(ctx context.Context, c *Container, g *graph.Graph, tokens map[graph.NodeID]Token) error {
	for _, id := range g.Topological() {
		n := g.Node(id)
		if n == nil || !Scope(n.Scope).delegatesToRoot() {
			continue
		}

		if err := ctx.Err(); err != nil {
			return BuildError{Phase: "eager-singletons", Cause: err}
		}

		var opts []ResolveOption
		if id.Tag != "" {
			opts = append(opts, ForTag(id.Tag))
		}
		if _, err := c.ResolveContext(ctx, tokens[id], opts...); err != nil {
			return BuildError{Phase: "eager-singletons", Cause: err}
		}
	}

	return nil
}

// moduleProvider stamps the declaring module into the metadata without
// touching the wrapped provider.
type moduleProvider struct {
	inner Provider
	meta  ProviderMeta
}

func (p *moduleProvider) Meta() ProviderMeta { return p.meta }

func (p *moduleProvider) Instantiate(rc *ResolveCtx) (any, error) {
	return p.inner.Instantiate(rc)
}

func (p *moduleProvider) Shutdown() error { return p.inner.Shutdown() }

func (p *moduleProvider) Unwrap() Provider { return p.inner }
