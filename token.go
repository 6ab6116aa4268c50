package keel

import (
	"reflect"
	"sync"
)

// Token is the normalized key identifying a requested capability.
// Tokens are derived either from a Go type identity via TokenOf, or from an
// explicit string via NamedToken. Two tokens are equal iff they normalize to
// the same string key, so Token values are safe to use as map keys.
type Token struct {
	key string
}

// typeTokens memoizes type-derived tokens for the lifetime of the process.
// Reads dominate heavily; writes only happen on first sight of a new type.
var typeTokens sync.Map // map[reflect.Type]Token

// TokenOf returns the token for the type T.
//
// Example:
//
//	dbToken := keel.TokenOf[*sql.DB]()
//	loggerToken := keel.TokenOf[Logger]()
func TokenOf[T any]() Token {
	return tokenOfType(reflect.TypeOf((*T)(nil)).Elem())
}

// NamedToken returns a token for an explicit string key. Named tokens live in
// a separate namespace from type-derived tokens, so NamedToken("int") never
// collides with TokenOf[int]().
func NamedToken(name string) Token {
	return Token{key: "name:" + name}
}

// tokenOfType returns the token for a reflect.Type, memoizing the normalized
// key so repeated lookups avoid re-walking the type structure.
func tokenOfType(t reflect.Type) Token {
	if t == nil {
		return Token{}
	}

	if cached, ok := typeTokens.Load(t); ok {
		return cached.(Token)
	}

	tok := Token{key: "type:" + normalizeType(t)}
	actual, _ := typeTokens.LoadOrStore(t, tok)
	return actual.(Token)
}

// normalizeType produces a stable, fully qualified key for a type. Named
// types include their package path so two same-named types from different
// packages never normalize to the same key.
func normalizeType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Pointer:
		return "*" + normalizeType(t.Elem())
	case reflect.Slice:
		return "[]" + normalizeType(t.Elem())
	case reflect.Map:
		return "map[" + normalizeType(t.Key()) + "]" + normalizeType(t.Elem())
	case reflect.Chan:
		return "chan " + normalizeType(t.Elem())
	default:
		if t.PkgPath() != "" {
			return t.PkgPath() + "." + t.Name()
		}
		return t.String()
	}
}

// String returns the normalized key, without the internal namespace prefix.
func (t Token) String() string {
	if len(t.key) > 5 {
		switch t.key[:5] {
		case "type:", "name:":
			return t.key[5:]
		}
	}
	return t.key
}

// IsZero reports whether the token is the zero value.
func (t Token) IsZero() bool {
	return t.key == ""
}

// Less provides a total order over tokens, useful for deterministic
// diagnostics output.
func (t Token) Less(other Token) bool {
	return t.key < other.key
}

// cacheKey is the true cache key: a (token, tag) pair. The tag disambiguates
// multiple providers registered for the same token.
type cacheKey struct {
	token Token
	tag   string
}

func (k cacheKey) String() string {
	if k.tag != "" {
		return k.token.String() + "[" + k.tag + "]"
	}
	return k.token.String()
}
