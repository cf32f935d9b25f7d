package reactive

import "log"

// Effect is a computation executed for its side effects. It runs once on
// creation and re-runs eagerly whenever a source it read becomes dirty.
// A failing run is reported through the error handler and the effect stays
// subscribed to whatever it managed to read.
type Effect struct {
	ctx *Context
	fn  func() error

	state    nodeState
	sources  []source
	srcVers  []uint64
	disp     disposerSet
	disposed bool

	// onError receives run failures. Defaults to log.Printf.
	onError func(error)
}

// NewEffect registers fn and runs it immediately.
func NewEffect(ctx *Context, fn func() error) *Effect {
	return NewEffectErr(ctx, fn, nil)
}

// NewEffectErr is NewEffect with an explicit error handler.
func NewEffectErr(ctx *Context, fn func() error, onError func(error)) *Effect {
	e := &Effect{ctx: ctx, fn: fn, state: stateDirty, onError: onError}

	acquired := ctx.enter()
	defer ctx.exit(acquired)
	e.run()
	return e
}

func (e *Effect) recordSource(src source) {
	e.sources = append(e.sources, src)
}

func (e *Effect) disposers() *disposerSet { return &e.disp }

func (e *Effect) stale(st nodeState) {
	if e.disposed || e.state == stateComputing || e.state >= st {
		return
	}
	e.state = st
	e.ctx.schedule(e)
}

// run executes the effect if it is actually stale. Called with the turn held.
func (e *Effect) run() {
	if e.disposed || e.state == stateClean {
		return
	}
	if e.state == stateCheck && !e.anySourceChanged() {
		e.state = stateClean
		return
	}

	e.state = stateComputing
	e.disp.runAll()
	e.unlinkSources()

	prev := e.ctx.swapActive(e)
	err := e.fn()
	e.ctx.swapActive(prev)

	e.srcVers = make([]uint64, len(e.sources))
	for i, src := range e.sources {
		e.srcVers[i] = src.version()
	}
	e.state = stateClean

	if err != nil {
		if e.onError != nil {
			e.onError(err)
		} else {
			log.Printf("[reactive] effect error: %v", err)
		}
	}
}

func (e *Effect) anySourceChanged() bool {
	for i, src := range e.sources {
		if err := src.refresh(); err != nil {
			return true
		}
		if i >= len(e.srcVers) || src.version() != e.srcVers[i] {
			return true
		}
	}
	return false
}

func (e *Effect) unlinkSources() {
	for _, src := range e.sources {
		src.removeSub(e)
	}
	e.sources = nil
	e.srcVers = nil
}

// Dispose detaches the effect from its sources and fires its disposers.
// A disposed effect never runs again.
func (e *Effect) Dispose() {
	acquired := e.ctx.enter()
	defer e.ctx.exit(acquired)

	if e.disposed {
		return
	}
	e.disposed = true
	e.unlinkSources()
	e.disp.runAll()
}
