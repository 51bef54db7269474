// Package toolbridge is the thin outer shim between a single tool call
// ("run this code") and the execution engine: it lazily initializes the
// pool on first use, forwards progress, and never lets a panic or
// unexpected error escape as anything but formatted text (§4.6).
package toolbridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ocx/kernelbroker/internal/progress"
)

// Engine is the subset of *engine.Engine the bridge drives. Declared
// locally so this package doesn't import engine's pool/session
// dependency chain just to call Execute.
type Engine interface {
	Execute(ctx context.Context, code string, sink progress.Sink) string
}

// PoolInitializer is the subset of *pool.Pool the bridge needs to lazily
// bring the pool up before the first execution.
type PoolInitializer interface {
	Initialize(ctx context.Context) error
	Initialized() bool
}

// Bridge adapts one external tool invocation to one engine.Execute call.
type Bridge struct {
	engine Engine
	pool   PoolInitializer
}

// New builds a bridge against an already-constructed engine and the pool
// it drives. The pool is not initialized here; initialization is
// deferred to the first ExecuteCode call, matching the original
// implementation's lazy `if not kernel_pool._initialized` check.
func New(e Engine, p PoolInitializer) *Bridge {
	return &Bridge{engine: e, pool: p}
}

// ExecuteCode runs code and returns the final text the caller should
// surface. It never returns an error: any failure short of the engine's
// own formatted strings is itself turned into an "Error: ..." string, so
// a caller presenting this to an end user never needs a second error
// path.
func (b *Bridge) ExecuteCode(ctx context.Context, code string, sink progress.Sink) (result string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in tool bridge", "panic", r)
			result = fmt.Sprintf("Error: Failed to execute code: %v", r)
		}
	}()

	if !b.pool.Initialized() {
		progress.Emit(sink, "Initializing kernel pool...")
	}
	if err := b.pool.Initialize(ctx); err != nil {
		slog.Error("fatal error initializing kernel pool", "error", err)
		return fmt.Sprintf("Error: Failed to execute code: %v", err)
	}

	return b.engine.Execute(ctx, code, sink)
}
