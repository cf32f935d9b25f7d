package registry

import (
	"os"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/ehlowr0ld/hmr/internal/reactive"
)

// fileSignal routes one file's contents through the graph. Reads register
// dependencies; invalidation re-reads the file and only dirties dependents
// when the xxh3 content hash actually changed, so touch-without-edit and
// editor save dances stay quiet.
type fileSignal struct {
	path string
	sig  *reactive.Signal[uint64]

	mu      sync.Mutex
	content []byte
	readErr error
	hash    xxh3.Uint128
	loaded  bool
}

func newFileSignal(rctx *reactive.Context, path string) *fileSignal {
	return &fileSignal{path: path, sig: reactive.NewSignal[uint64](rctx, 0)}
}

// read returns the file's contents, loading from disk on first use, and
// registers the current reaction as a dependent.
func (f *fileSignal) read() ([]byte, error) {
	f.mu.Lock()
	if !f.loaded {
		f.loadLocked()
	}
	content, err := f.content, f.readErr
	f.mu.Unlock()

	f.sig.Get()
	return content, err
}

// invalidate re-reads the file and pokes dependents if the content changed,
// appeared, or disappeared.
func (f *fileSignal) invalidate() {
	f.mu.Lock()
	prevHash, prevErr, wasLoaded := f.hash, f.readErr, f.loaded
	f.loadLocked()
	changed := !wasLoaded ||
		(prevErr == nil) != (f.readErr == nil) ||
		f.hash != prevHash
	f.mu.Unlock()

	if changed {
		f.sig.Poke()
	}
}

func (f *fileSignal) loadLocked() {
	content, err := os.ReadFile(f.path)
	f.loaded = true
	f.readErr = err
	if err != nil {
		f.content = nil
		f.hash = xxh3.Uint128{}
		return
	}
	f.content = content
	f.hash = xxh3.Hash128(content)
}

func (f *fileSignal) subscribed() bool {
	return f.sig.SubscriberCount() > 0
}
