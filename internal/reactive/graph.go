// Package reactive implements the signal graph: primitive value cells,
// memoized derivations, and eagerly re-executed effects with fine-grained
// dependency tracking and tri-state dirty propagation.
package reactive

// nodeState is the invalidation state of a derivation or effect.
type nodeState int32

const (
	// stateClean means the cached value is up to date.
	stateClean nodeState = iota
	// stateCheck means an upstream node was invalidated; the node must
	// verify whether any direct source actually changed value before
	// deciding to recompute.
	stateCheck
	// stateDirty means a direct source changed value; recompute on demand.
	stateDirty
	// stateComputing guards against reentrant evaluation (cycles).
	stateComputing
)

// source is an observable node: a signal or a derivation read by others.
type source interface {
	// addSub and removeSub maintain the subscriber edge. Subscribers are
	// kept in insertion order, which fixes the dirtying tie-break.
	addSub(s subscriber)
	removeSub(s subscriber)

	// refresh brings the source up to date. Signals are always current;
	// derivations recompute if needed. The returned error is the source's
	// own computation error, if any.
	refresh() error

	// version increments every time the source's value actually changes
	// (not merely when it is marked dirty).
	version() uint64
}

// subscriber is a dependent node: a derivation or effect that reads sources.
type subscriber interface {
	// stale marks the subscriber at least as invalid as st and propagates
	// stateCheck to its own subscribers when transitioning out of clean.
	stale(st nodeState)

	// recordSource is called by a source when the subscriber reads it,
	// completing the bidirectional edge.
	recordSource(src source)
}

// linkSource connects the currently running reaction (if any) to src.
func (c *Context) linkSource(src source) {
	if sub := c.currentSubscriber(); sub != nil {
		src.addSub(sub)
		sub.recordSource(src)
	}
}
