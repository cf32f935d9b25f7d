// Package registry loads source units under the reactive graph. Each unit
// becomes a Module whose namespace entries are signal cells, executed by a
// pluggable LoadFunc through a memoized load-derivation. Non-code files read
// during a load are tracked, so editing them invalidates dependents.
package registry

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ehlowr0ld/hmr/internal/reactive"
)

// LoadFunc executes one source unit. It receives a Load handle scoped to the
// unit's current run: Set populates the namespace, Import pulls in other
// units, ReadFile performs a tracked read, OnDispose registers cleanup fired
// before the next run.
type LoadFunc func(l *Load) error

// Policy decides which paths are made reactive. Paths under an include root
// and not under an exclude root get signal-backed modules; everything else
// is loaded once and cached without invalidation.
type Policy struct {
	IncludeRoots []string
	ExcludeRoots []string
}

// Reactive reports whether path falls inside the watched roots.
func (p Policy) Reactive(path string) bool {
	inside := false
	for _, root := range p.IncludeRoots {
		if underRoot(path, root) {
			inside = true
			break
		}
	}
	if !inside {
		return false
	}
	for _, root := range p.ExcludeRoots {
		if underRoot(path, root) {
			return false
		}
	}
	return true
}

func underRoot(path, root string) bool {
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// Registry owns the path-keyed module and tracked-file indexes. The indexes
// are shared between the watcher goroutine (invalidation) and the reload
// effect's goroutine (loads); graph mutations serialize through the reactive
// context's turn lock.
type Registry struct {
	rctx   *reactive.Context
	load   LoadFunc
	policy Policy

	modules *xsync.Map[string, *Module]
	files   *xsync.Map[string, *fileSignal]
}

// New creates an empty registry. load must not be nil.
func New(rctx *reactive.Context, load LoadFunc, policy Policy) *Registry {
	return &Registry{
		rctx:    rctx,
		load:    load,
		policy:  policy,
		modules: xsync.NewMap[string, *Module](),
		files:   xsync.NewMap[string, *fileSignal](),
	}
}

// Import returns the module for path, loading it on first use. The path is
// normalized to absolute form. Re-entrant imports of a unit that is still
// executing return its partially populated module.
func (r *Registry) Import(path string) (*Module, error) {
	abs, err := normalize(path)
	if err != nil {
		return nil, err
	}
	mod, _ := r.modules.LoadOrCompute(abs, func() (*Module, bool) {
		return newModule(r, abs, r.policy.Reactive(abs)), false
	})
	if mod.isLoading() {
		return mod, nil
	}
	if err := mod.ensure(); err != nil {
		return nil, err
	}
	return mod, nil
}

// Track registers path as a tracked file and returns its current contents.
// Called from within a derivation it establishes a dependency, so a content
// change invalidates the caller.
func (r *Registry) Track(path string) ([]byte, error) {
	abs, err := normalize(path)
	if err != nil {
		return nil, err
	}
	fs, _ := r.files.LoadOrCompute(abs, func() (*fileSignal, bool) {
		return newFileSignal(r.rctx, abs), false
	})
	return fs.read()
}

// Invalidate re-reads path from disk and, if its content hash changed (or it
// became unreadable), dirties the corresponding file signal. Module sources
// go through the same index, so a code edit dirties the unit's
// load-derivation transitively. Returns false for paths the registry has
// never seen.
func (r *Registry) Invalidate(path string) bool {
	abs, err := normalize(path)
	if err != nil {
		return false
	}
	fs, ok := r.files.Load(abs)
	if !ok {
		return false
	}
	fs.invalidate()
	return true
}

// IsModule reports whether path is a loaded reactive module.
func (r *Registry) IsModule(path string) bool {
	abs, err := normalize(path)
	if err != nil {
		return false
	}
	mod, ok := r.modules.Load(abs)
	return ok && mod.reactive
}

// IsTracked reports whether path is a tracked file with live subscribers.
func (r *Registry) IsTracked(path string) bool {
	abs, err := normalize(path)
	if err != nil {
		return false
	}
	fs, ok := r.files.Load(abs)
	return ok && fs.subscribed()
}

// ModulePaths returns the paths of all reactive modules, for the watcher's
// root derivation and the coordinator's classification.
func (r *Registry) ModulePaths() []string {
	var paths []string
	r.modules.Range(func(path string, mod *Module) bool {
		if mod.reactive {
			paths = append(paths, path)
		}
		return true
	})
	return paths
}

func normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("registry: resolve %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
