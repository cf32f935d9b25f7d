package reactive

import (
	"context"
	"sync"
)

// AsyncDerived is a derivation whose body may block. The context passed to
// Get is handed to the body; cancelling it aborts the in-flight computation,
// which surfaces the body's error and leaves the node dirty for a retry.
type AsyncDerived[T any] struct {
	d *Derived[T]

	mu     sync.Mutex
	runCtx context.Context
}

// NewAsyncDerived constructs an async derivation. Like NewDerived, the body
// does not run until first read.
func NewAsyncDerived[T any](ctx *Context, fn func(context.Context) (T, error)) *AsyncDerived[T] {
	a := &AsyncDerived[T]{}
	a.d = NewDerived(ctx, func() (T, error) {
		a.mu.Lock()
		rctx := a.runCtx
		a.mu.Unlock()
		if rctx == nil {
			rctx = context.Background()
		}
		return fn(rctx)
	})
	return a
}

// Get returns the memoized value, recomputing under ctx if needed.
func (a *AsyncDerived[T]) Get(ctx context.Context) (T, error) {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()
	return a.d.Get()
}

// Dirty reports whether the derivation needs (or may need) recomputation.
func (a *AsyncDerived[T]) Dirty() bool { return a.d.Dirty() }

// Invalidate forces the derivation dirty.
func (a *AsyncDerived[T]) Invalidate() { a.d.Invalidate() }

// Dispose unlinks the derivation from its sources and runs its disposers.
func (a *AsyncDerived[T]) Dispose() { a.d.Dispose() }
