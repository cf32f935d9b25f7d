package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ehlowr0ld/hmr/internal/reactive"
)

// absent is the sentinel stored in a cell whose name disappeared from the
// unit on a reload. Reading it surfaces ErrAbsent while keeping the cell
// alive, so subscribers are re-dirtied if the name comes back.
type absent struct{}

// Module is one source unit. Namespace entries are signal cells with
// deep-equality change detection, so a reload that re-produces an identical
// value does not dirty that entry's readers.
type Module struct {
	reg      *Registry
	path     string
	reactive bool

	mu      sync.Mutex
	cells   map[string]*reactive.Signal[any]
	loading bool

	loaded *reactive.Derived[struct{}]
}

func newModule(r *Registry, path string, isReactive bool) *Module {
	m := &Module{
		reg:      r,
		path:     path,
		reactive: isReactive,
		cells:    make(map[string]*reactive.Signal[any]),
	}
	// The load result itself never counts as a change: dependents track the
	// namespace cells, not the fact that a load ran.
	m.loaded = reactive.NewDerivedEq(r.rctx, m.runLoad,
		func(struct{}, struct{}) bool { return true })
	return m
}

// Path returns the module's absolute path.
func (m *Module) Path() string { return m.path }

func (m *Module) isLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// ensure brings the module up to date. The caller subscribes to the
// load-derivation, but since its version never changes (see newModule),
// dependents recompute only when a cell they actually read changes value.
// The subscription is what carries invalidation across import chains.
func (m *Module) ensure() error {
	_, err := m.loaded.Get()
	return err
}

// Get returns the value bound to name, loading the unit first if needed.
// Called from within a derivation or effect it registers a dependency on
// that one cell. A name the unit never produced yields ErrAbsent.
func (m *Module) Get(name string) (any, error) {
	if !m.isLoading() {
		if err := m.ensure(); err != nil {
			return nil, err
		}
	}
	v := m.cell(name).Get()
	if _, gone := v.(absent); gone {
		return nil, fmt.Errorf("%w: %s has no attribute %q", ErrAbsent, m.path, name)
	}
	return v, nil
}

// Set writes name in the namespace, dirtying subscribers if the value
// actually changed.
func (m *Module) Set(name string, v any) {
	m.cell(name).Set(v)
}

// Names enumerates the currently bound names, sorted. Non-reactive: calling
// it inside a derivation establishes no dependency.
func (m *Module) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, cell := range m.cells {
		if _, gone := cell.Peek().(absent); !gone {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Invalidate forces the unit to re-execute on its next read, regardless of
// whether its source bytes changed.
func (m *Module) Invalidate() {
	m.loaded.Invalidate()
}

func (m *Module) cell(name string) *reactive.Signal[any] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cells[name]; ok {
		return c
	}
	c := reactive.NewSignalFunc[any](m.reg.rctx, absent{}, cellEqual)
	m.cells[name] = c
	return c
}

func cellEqual(a, b any) bool {
	if _, gone := a.(absent); gone {
		_, stillGone := b.(absent)
		return stillGone
	}
	return reflect.DeepEqual(a, b)
}

// runLoad is the load-derivation body: read source through the tracked-file
// index (so edits dirty this derivation), execute the LoadFunc, then mark
// names the run did not re-produce as absent.
func (m *Module) runLoad() (struct{}, error) {
	m.mu.Lock()
	m.loading = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.loading = false
		m.mu.Unlock()
	}()

	src, err := m.reg.Track(m.path)
	if err != nil {
		return struct{}{}, fmt.Errorf("registry: read %s: %w", m.path, err)
	}

	l := &Load{mod: m, source: src, produced: make(map[string]bool)}
	if err := m.reg.load(l); err != nil {
		return struct{}{}, fmt.Errorf("registry: load %s: %w", m.path, err)
	}

	m.mu.Lock()
	stale := make([]*reactive.Signal[any], 0)
	for name, cell := range m.cells {
		if !l.produced[name] {
			stale = append(stale, cell)
		}
	}
	m.mu.Unlock()
	for _, cell := range stale {
		cell.Set(absent{})
	}
	return struct{}{}, nil
}

// Load is the per-run handle passed to the LoadFunc.
type Load struct {
	mod      *Module
	source   []byte
	produced map[string]bool
}

// Path returns the unit's absolute path.
func (l *Load) Path() string { return l.mod.path }

// Source returns the unit's raw bytes as read for this run.
func (l *Load) Source() []byte { return l.source }

// Set binds name in the unit's namespace for this run.
func (l *Load) Set(name string, v any) {
	l.produced[name] = true
	l.mod.Set(name, v)
}

// Import loads another unit, linking this unit to its load-derivation so
// that invalidation propagates; recomputation is still gated on the cells
// this unit actually reads.
func (l *Load) Import(path string) (*Module, error) {
	return l.mod.reg.Import(path)
}

// ReadFile performs a tracked read: a later content change re-runs this
// unit's load.
func (l *Load) ReadFile(path string) ([]byte, error) {
	return l.mod.reg.Track(path)
}

// OnDispose registers cleanup fired before the unit's next run (or when the
// graph is torn down). Registrations under the same non-empty key within one
// run coalesce, last wins.
func (l *Load) OnDispose(key string, fn func()) {
	l.mod.reg.rctx.OnDisposeKeyed(key, fn)
}
