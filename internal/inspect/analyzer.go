// Package inspect analyzes constructor functions for the container: it
// validates signatures and extracts statically typed parameter and result
// information, memoizing per function type since the same constructors are
// analyzed repeatedly across registrations.
package inspect

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var errType = reflect.TypeOf((*error)(nil)).Elem()

var (
	ErrNotFunc     = errors.New("constructor must be a function")
	ErrVariadic    = errors.New("constructor cannot be variadic")
	ErrNoResult    = errors.New("constructor must return a value")
	ErrBadResults  = errors.New("constructor must return (T) or (T, error)")
	ErrErrorResult = errors.New("constructor cannot return only an error")
)

// FuncInfo is the analyzed shape of a constructor function.
type FuncInfo struct {
	// Type is the function type.
	Type reflect.Type

	// Params holds each parameter type, in order.
	Params []reflect.Type

	// Result is the constructed value's type (the first return value).
	Result reflect.Type

	// HasError reports whether the function's second return value is error.
	HasError bool
}

// Analyzer validates and caches constructor signatures.
type Analyzer struct {
	cache sync.Map // map[reflect.Type]*FuncInfo
}

// New creates an Analyzer with an empty cache.
func New() *Analyzer {
	return &Analyzer{}
}

// Analyze inspects fn and returns its FuncInfo, failing for anything that is
// not a func of shape func(deps...) T or func(deps...) (T, error).
func (a *Analyzer) Analyze(fn any) (*FuncInfo, error) {
	if fn == nil {
		return nil, ErrNotFunc
	}

	t := reflect.TypeOf(fn)
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, got %s", ErrNotFunc, t.Kind())
	}

	if cached, ok := a.cache.Load(t); ok {
		return cached.(*FuncInfo), nil
	}

	info, err := analyzeType(t)
	if err != nil {
		return nil, err
	}

	actual, _ := a.cache.LoadOrStore(t, info)
	return actual.(*FuncInfo), nil
}

func analyzeType(t reflect.Type) (*FuncInfo, error) {
	if t.IsVariadic() {
		return nil, ErrVariadic
	}

	switch t.NumOut() {
	case 0:
		return nil, ErrNoResult
	case 1:
		if t.Out(0) == errType {
			return nil, ErrErrorResult
		}
	case 2:
		if t.Out(1) != errType {
			return nil, fmt.Errorf("%w: second return value is %s", ErrBadResults, t.Out(1))
		}
		if t.Out(0) == errType {
			return nil, ErrErrorResult
		}
	default:
		return nil, fmt.Errorf("%w: %d return values", ErrBadResults, t.NumOut())
	}

	info := &FuncInfo{
		Type:     t,
		Result:   t.Out(0),
		HasError: t.NumOut() == 2,
	}

	info.Params = make([]reflect.Type, t.NumIn())
	for i := 0; i < t.NumIn(); i++ {
		info.Params[i] = t.In(i)
	}

	return info, nil
}
