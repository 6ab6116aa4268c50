package keel

import (
	"fmt"
	"sort"
)

// ProviderMeta is the immutable description of a provider: what token it
// serves, under which scope, and where it was declared. The scope is fixed
// once the provider is registered.
type ProviderMeta struct {
	// Name is a human-readable name, defaulting to the token key.
	Name string

	// Token is the capability this provider produces.
	Token Token

	// Scope is the lifetime policy. Immutable after registration.
	Scope Scope

	// Tags is the unordered set of tags this provider is registered under,
	// possibly empty. A provider with tags is registered once per tag.
	Tags []string

	// Module is the declaring manifest's name. Empty for providers
	// registered directly on a container.
	Module string

	// Source is the file:line of the declaration, for diagnostics only.
	Source string

	// Version is an optional provider version string.
	Version string

	// AllowLazy marks the provider as eligible to be resolved through a
	// lazy proxy to break a dependency cycle.
	AllowLazy bool
}

// Dep declares a single dependency of a provider.
type Dep struct {
	// Token identifies the required capability.
	Token Token

	// Tag selects a tagged registration of the token, empty for the default.
	Tag string

	// Optional makes a missing registration inject the zero value instead
	// of failing resolution.
	Optional bool

	// Lazy injects a *Deferred handle instead of resolving eagerly. The
	// constructor parameter at this position must be *keel.Deferred.
	Lazy bool
}

func (d Dep) String() string {
	s := d.Token.String()
	if d.Tag != "" {
		s += fmt.Sprintf("[%s]", d.Tag)
	}
	if d.Optional {
		s += "?"
	}
	if d.Lazy {
		s += " (lazy)"
	}
	return s
}

// normalizeTags sorts and deduplicates a tag set so ProviderMeta.Tags is
// deterministic regardless of option order.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// registrationTags returns the tags a provider is registered under: each
// declared tag, or the single empty tag when none are declared.
func registrationTags(meta ProviderMeta) []string {
	if len(meta.Tags) == 0 {
		return []string{""}
	}
	return meta.Tags
}
