package reactive

// Signal is a primitive reactive cell. Reading it from within a derivation
// or effect registers that reaction as a subscriber; writing a value that
// compares unequal to the current one invalidates subscribers transitively.
type Signal[T any] struct {
	ctx    *Context
	value  T
	equals func(a, b T) bool
	ver    uint64
	subs   []subscriber
}

// NewSignal constructs a cell using == for change detection.
func NewSignal[T comparable](ctx *Context, initial T) *Signal[T] {
	return NewSignalFunc(ctx, initial, func(a, b T) bool { return a == b })
}

// NewSignalFunc constructs a cell with a custom equality predicate.
// A nil predicate means every write is treated as a change.
func NewSignalFunc[T any](ctx *Context, initial T, equals func(a, b T) bool) *Signal[T] {
	return &Signal[T]{ctx: ctx, value: initial, equals: equals}
}

func (s *Signal[T]) addSub(sub subscriber) {
	for _, existing := range s.subs {
		if existing == sub {
			return
		}
	}
	s.subs = append(s.subs, sub)
}

func (s *Signal[T]) removeSub(sub subscriber) {
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Signal[T]) refresh() error { return nil }

func (s *Signal[T]) version() uint64 { return s.ver }

// Get returns the current value, registering a dependency when called from
// within a running derivation or effect.
func (s *Signal[T]) Get() T {
	acquired := s.ctx.enter()
	defer s.ctx.exit(acquired)

	s.ctx.linkSource(s)
	return s.value
}

// Peek returns the current value without registering a dependency.
func (s *Signal[T]) Peek() T {
	acquired := s.ctx.enter()
	defer s.ctx.exit(acquired)
	return s.value
}

// Set writes v. If v compares equal to the current value nothing happens;
// otherwise direct subscribers are marked dirty and transitive ones are
// marked for checking, in insertion order.
func (s *Signal[T]) Set(v T) {
	acquired := s.ctx.enter()
	defer s.ctx.exit(acquired)

	if s.equals != nil && s.equals(s.value, v) {
		return
	}
	s.value = v
	s.ver++
	s.notify()
}

// Poke invalidates subscribers without changing the value. Used for cells
// whose value is an opaque handle that is mutated in place.
func (s *Signal[T]) Poke() {
	acquired := s.ctx.enter()
	defer s.ctx.exit(acquired)

	s.ver++
	s.notify()
}

func (s *Signal[T]) notify() {
	// Snapshot: subscribers may unlink themselves while re-running.
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	for _, sub := range subs {
		sub.stale(stateDirty)
	}
}

// SubscriberCount reports how many reactions currently depend on the cell.
func (s *Signal[T]) SubscriberCount() int {
	acquired := s.ctx.enter()
	defer s.ctx.exit(acquired)
	return len(s.subs)
}
