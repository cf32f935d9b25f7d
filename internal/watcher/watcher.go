// Package watcher adapts raw filesystem notifications into debounced
// path-event batches. New subdirectories are followed, excluded roots and
// disallowed suffixes are filtered at the source, and batches merge instead
// of queueing unbounded when the consumer is slow.
package watcher

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind is a bitmask of the event kinds observed for one path within a batch.
type Kind uint8

const (
	Added Kind = 1 << iota
	Modified
	Deleted
)

func (k Kind) Has(other Kind) bool { return k&other != 0 }

func (k Kind) String() string {
	var parts []string
	if k.Has(Added) {
		parts = append(parts, "added")
	}
	if k.Has(Modified) {
		parts = append(parts, "modified")
	}
	if k.Has(Deleted) {
		parts = append(parts, "deleted")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Batch maps absolute paths to the union of kinds seen since the last
// delivery.
type Batch map[string]Kind

// merge folds other into b.
func (b Batch) merge(other Batch) {
	for path, kind := range other {
		b[path] |= kind
	}
}

// Config controls debouncing and filtering.
type Config struct {
	// IncludeRoots lists directories (watched recursively) and single files.
	IncludeRoots []string
	// ExcludeRoots prunes subtrees of the include roots.
	ExcludeRoots []string
	// Debounce is the quiet window after the last event before a batch is
	// emitted. Zero means DefaultDebounce.
	Debounce time.Duration
	// Step is the granularity at which the quiet window and slow-consumer
	// retries are checked. Zero means DefaultStep.
	Step time.Duration
	// Allow filters paths; nil allows everything. Filtered paths never
	// appear in a batch.
	Allow func(path string) bool
}

const (
	DefaultDebounce = 100 * time.Millisecond
	DefaultStep     = 20 * time.Millisecond
)

// Watcher owns the fsnotify instance and the debounce loop.
type Watcher struct {
	cfg     Config
	fw      *fsnotify.Watcher
	batches chan Batch

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates cfg, creates the underlying watcher and registers the
// include roots. Directories are walked recursively; missing roots are an
// error.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.IncludeRoots) == 0 {
		return nil, fmt.Errorf("watcher: no include roots")
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Step == 0 {
		cfg.Step = DefaultStep
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	w := &Watcher{
		cfg:     cfg,
		fw:      fw,
		batches: make(chan Batch, 1),
		stopCh:  make(chan struct{}),
	}
	for _, root := range cfg.IncludeRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("watcher: resolve %q: %w", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("watcher: %w", err)
		}
		if info.IsDir() {
			if err := w.addDirTree(abs); err != nil {
				fw.Close()
				return nil, err
			}
		} else if err := fw.Add(abs); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watcher: watch %s: %w", abs, err)
		}
	}
	return w, nil
}

// Start launches the event loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Batches returns the delivery channel. It is closed when the watcher stops
// or its event source fails; consumers treat end-of-stream as shutdown.
func (w *Watcher) Batches() <-chan Batch {
	return w.batches
}

// Stop terminates the loop at the next batch boundary and waits for it.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.fw.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer close(w.batches)

	ticker := time.NewTicker(w.cfg.Step)
	defer ticker.Stop()

	pending := make(Batch)
	var lastEvent time.Time

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if w.accept(event, pending) {
				lastEvent = time.Now()
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("[watcher] event source failed: %v", err)
			return

		case now := <-ticker.C:
			if len(pending) == 0 || now.Sub(lastEvent) < w.cfg.Debounce {
				continue
			}
			// Non-blocking delivery: if the consumer still holds the
			// previous batch, fold it back and retry on a later tick.
			select {
			case w.batches <- pending:
				pending = make(Batch)
			default:
				select {
				case old := <-w.batches:
					old.merge(pending)
					pending = old
				default:
				}
			}
		}
	}
}

// accept classifies one raw event into pending. Returns false for events
// that were filtered out entirely.
func (w *Watcher) accept(event fsnotify.Event, pending Batch) bool {
	path := filepath.Clean(event.Name)
	if w.excluded(path) {
		return false
	}

	// A created directory is followed, and any files already inside it are
	// reported as added (they raced the watch registration).
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addDirTree(path); err != nil {
				log.Printf("[watcher] follow %s: %v", path, err)
			}
			found := false
			_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return nil
				}
				if !w.excluded(p) && w.allowed(p) {
					pending[p] |= Added
					found = true
				}
				return nil
			})
			return found
		}
	}

	if !w.allowed(path) {
		return false
	}

	var kind Kind
	switch {
	case event.Has(fsnotify.Create):
		kind = Added
	case event.Has(fsnotify.Write):
		kind = Modified
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		kind = Deleted
	default:
		// Chmod and friends carry no content change.
		return false
	}
	pending[path] |= kind
	return true
}

func (w *Watcher) addDirTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluded(path) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("watcher: watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) excluded(path string) bool {
	for _, root := range w.cfg.ExcludeRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if path == abs || strings.HasPrefix(path, abs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) allowed(path string) bool {
	return w.cfg.Allow == nil || w.cfg.Allow(path)
}
