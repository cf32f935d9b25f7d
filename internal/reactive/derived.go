package reactive

// Derived is a memoized computation. Its function runs on demand: a clean
// derivation returns the cache, a dirty one recomputes and re-records its
// dependency set. A derivation marked "check" recomputes only if one of its
// direct sources actually changed value since the last run.
type Derived[T any] struct {
	ctx    *Context
	fn     func() (T, error)
	value  T
	hasVal bool
	equals func(a, b T) bool

	state   nodeState
	sources []source
	srcVers []uint64
	subs    []subscriber
	ver     uint64
	disp    disposerSet
}

// NewDerived constructs a derivation. It is not computed until first read.
func NewDerived[T any](ctx *Context, fn func() (T, error)) *Derived[T] {
	return &Derived[T]{ctx: ctx, fn: fn, state: stateDirty}
}

// NewDerivedEq is NewDerived with an equality predicate used to decide
// whether a recomputed value counts as changed for downstream "check" nodes.
func NewDerivedEq[T any](ctx *Context, fn func() (T, error), equals func(a, b T) bool) *Derived[T] {
	d := NewDerived(ctx, fn)
	d.equals = equals
	return d
}

func (d *Derived[T]) addSub(sub subscriber) {
	for _, existing := range d.subs {
		if existing == sub {
			return
		}
	}
	d.subs = append(d.subs, sub)
}

func (d *Derived[T]) removeSub(sub subscriber) {
	for i, existing := range d.subs {
		if existing == sub {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			return
		}
	}
}

func (d *Derived[T]) version() uint64 { return d.ver }

func (d *Derived[T]) recordSource(src source) {
	d.sources = append(d.sources, src)
}

func (d *Derived[T]) disposers() *disposerSet { return &d.disp }

func (d *Derived[T]) stale(st nodeState) {
	if d.state == stateComputing || d.state >= st {
		return
	}
	wasClean := d.state == stateClean
	d.state = st
	if wasClean {
		for _, sub := range d.subs {
			sub.stale(stateCheck)
		}
	}
}

// Get returns the memoized value, recomputing first if needed. A failed
// computation leaves the previous value untouched, keeps the derivation
// dirty, and surfaces the error to the caller.
func (d *Derived[T]) Get() (T, error) {
	acquired := d.ctx.enter()
	defer d.ctx.exit(acquired)

	d.ctx.linkSource(d)
	err := d.refresh()
	return d.value, err
}

// Dirty reports whether the derivation needs (or may need) recomputation.
func (d *Derived[T]) Dirty() bool {
	acquired := d.ctx.enter()
	defer d.ctx.exit(acquired)
	return d.state == stateCheck || d.state == stateDirty
}

// Invalidate forces the derivation dirty, as if a source had changed.
func (d *Derived[T]) Invalidate() {
	acquired := d.ctx.enter()
	defer d.ctx.exit(acquired)
	d.stale(stateDirty)
}

// Dispose unlinks the derivation from its sources and runs its disposers.
func (d *Derived[T]) Dispose() {
	acquired := d.ctx.enter()
	defer d.ctx.exit(acquired)

	d.unlinkSources()
	d.disp.runAll()
	d.state = stateDirty
}

func (d *Derived[T]) unlinkSources() {
	for _, src := range d.sources {
		src.removeSub(d)
	}
	d.sources = nil
	d.srcVers = nil
}

func (d *Derived[T]) refresh() error {
	switch d.state {
	case stateClean:
		return nil
	case stateComputing:
		return ErrCycle
	case stateCheck:
		if !d.anySourceChanged() {
			d.state = stateClean
			return nil
		}
		d.state = stateDirty
	}
	return d.recompute()
}

// anySourceChanged refreshes each recorded source and compares its version
// against the one captured during the last run.
func (d *Derived[T]) anySourceChanged() bool {
	for i, src := range d.sources {
		if err := src.refresh(); err != nil {
			return true
		}
		if i >= len(d.srcVers) || src.version() != d.srcVers[i] {
			return true
		}
	}
	return false
}

func (d *Derived[T]) recompute() error {
	d.state = stateComputing
	d.disp.runAll()
	d.unlinkSources()

	prev := d.ctx.swapActive(d)
	value, err := d.fn()
	d.ctx.swapActive(prev)

	d.srcVers = make([]uint64, len(d.sources))
	for i, src := range d.sources {
		d.srcVers[i] = src.version()
	}

	if err != nil {
		// Previous value stays; the node remains dirty so a later read
		// retries the computation.
		d.state = stateDirty
		return err
	}

	if !d.hasVal || d.equals == nil || !d.equals(d.value, value) {
		d.value = value
		d.ver++
	}
	d.hasVal = true
	d.state = stateClean
	return nil
}
