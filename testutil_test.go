package keel_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel"
)

// ============================================================================
// Shared Test Types
// ============================================================================

// TConfig is a basic value dependency.
type TConfig struct {
	DSN string
}

// TDatabase tracks closing for lifecycle tests.
type TDatabase struct {
	DSN      string
	closed   atomic.Bool
	closeErr error
}

func NewTDatabase(cfg *TConfig) *TDatabase {
	return &TDatabase{DSN: cfg.DSN}
}

func (d *TDatabase) Close() error {
	if d.closed.Swap(true) {
		return errors.New("already closed")
	}
	return d.closeErr
}

func (d *TDatabase) IsClosed() bool { return d.closed.Load() }

// TService demonstrates constructor injection with instance tracking.
type TService struct {
	DB       *TDatabase
	Instance int64
}

var tServiceInstances atomic.Int64

func NewTService(db *TDatabase) *TService {
	return &TService{DB: db, Instance: tServiceInstances.Add(1)}
}

// TRepository is a second-level dependency for deeper graphs.
type TRepository struct {
	Svc *TService
}

func NewTRepository(svc *TService) *TRepository {
	return &TRepository{Svc: svc}
}

// TGreeter is a basic interface for binding tests.
type TGreeter interface {
	Greet() string
}

type TEnglishGreeter struct{}

func NewTEnglishGreeter() *TEnglishGreeter { return &TEnglishGreeter{} }

func (g *TEnglishGreeter) Greet() string { return "hello" }

// ============================================================================
// Cycle Test Types
// ============================================================================

type TCycleA struct{ B *TCycleB }

type TCycleB struct{ A *TCycleA }

func NewTCycleA(b *TCycleB) *TCycleA { return &TCycleA{B: b} }

func NewTCycleB(a *TCycleA) *TCycleB { return &TCycleB{A: a} }

// TLazyA closes a cycle through a deferred handle instead of a direct edge.
type TLazyA struct{ B *TLazyB }

type TLazyB struct{ A *keel.Deferred }

func NewTLazyA(b *TLazyB) *TLazyA { return &TLazyA{B: b} }

func NewTLazyB(a *keel.Deferred) *TLazyB { return &TLazyB{A: a} }

// ============================================================================
// Pool Test Types
// ============================================================================

// TConn is a pool member with identity and close tracking.
type TConn struct {
	ID     int64
	closed atomic.Bool
}

func (c *TConn) Close() error {
	c.closed.Swap(true)
	return nil
}

func (c *TConn) IsClosed() bool { return c.closed.Load() }

// newTConnFactory returns a pool factory that stamps sequential IDs.
func newTConnFactory() func() (any, error) {
	var next atomic.Int64
	return func() (any, error) {
		return &TConn{ID: next.Add(1)}, nil
	}
}

// ============================================================================
// Helpers
// ============================================================================

// buildContainer builds a root container from manifests and shuts it down at
// test cleanup.
func buildContainer(t *testing.T, manifests ...*keel.Manifest) *keel.Container {
	t.Helper()

	root, err := keel.Build(manifests)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = root.Shutdown(context.Background())
	})
	return root
}

// childScope creates a child scope shut down at test cleanup.
func childScope(t *testing.T, c *keel.Container) *keel.Container {
	t.Helper()

	scope := c.CreateChildScope()
	t.Cleanup(func() {
		_ = scope.Shutdown(context.Background())
	})
	return scope
}

// coreManifest declares the config -> database -> service chain used across
// tests, with the given scope for the service.
func coreManifest(serviceScope keel.Scope) *keel.Manifest {
	return keel.NewManifest("core",
		keel.ProvideValue(&TConfig{DSN: "postgres://localhost/test"}),
		keel.ProvideConstructor(NewTDatabase, keel.WithScope(keel.ScopeSingleton)),
		keel.ProvideConstructor(NewTService, keel.WithScope(serviceScope)),
		keel.ProvideConstructor(NewTRepository),
	)
}
