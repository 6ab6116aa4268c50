package keel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Hook is a named lifecycle action. Naming hooks keeps shutdown logs useful
// when a subsystem's teardown fails.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// lifecycle manages startup and shutdown hook lists for a root container.
// Child containers carry the no-op variant: their cleanup runs through the
// finalizer stack, not hooks.
type lifecycle struct {
	log  zerolog.Logger
	noop bool

	mu            sync.Mutex
	startupHooks  []Hook
	shutdownHooks []Hook
}

func newLifecycle(log zerolog.Logger) *lifecycle {
	return &lifecycle{log: log}
}

func noopLifecycle() *lifecycle {
	return &lifecycle{log: zerolog.Nop(), noop: true}
}

func (l *lifecycle) onStartup(h Hook) {
	if l.noop || h.Fn == nil {
		return
	}
	l.mu.Lock()
	l.startupHooks = append(l.startupHooks, h)
	l.mu.Unlock()
}

func (l *lifecycle) onShutdown(h Hook) {
	if l.noop || h.Fn == nil {
		return
	}
	l.mu.Lock()
	l.shutdownHooks = append(l.shutdownHooks, h)
	l.mu.Unlock()
}

// startup runs hooks in registration order and aborts on the first failure.
// Registration order follows provider registration, which Build performs in
// dependency order.
func (l *lifecycle) startup(ctx context.Context) error {
	l.mu.Lock()
	hooks := make([]Hook, len(l.startupHooks))
	copy(hooks, l.startupHooks)
	l.mu.Unlock()

	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.log.Debug().Str("hook", h.Name).Msg("running startup hook")
		if err := h.Fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// shutdown runs hooks with per-hook error isolation: a failing subsystem's
// teardown never blocks another's. Errors are logged, not propagated.
func (l *lifecycle) shutdown(ctx context.Context) {
	l.mu.Lock()
	hooks := make([]Hook, len(l.shutdownHooks))
	copy(hooks, l.shutdownHooks)
	l.shutdownHooks = nil
	l.mu.Unlock()

	for _, h := range hooks {
		if err := h.Fn(ctx); err != nil {
			l.log.Error().Err(err).Str("hook", h.Name).Msg("shutdown hook failed")
		}
	}
}
