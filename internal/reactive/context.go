package reactive

import (
	"sync"

	"github.com/petermattis/goid"
)

// Context owns one reactive graph. All graph mutations are serialized into
// "turns": the first entry point on a goroutine (a signal write, a derivation
// read, an effect run) acquires the turn lock and nested calls on the same
// goroutine reenter freely. This lets the watcher goroutine invalidate
// signals while an effect is mid-run on another goroutine: the write simply
// waits for the current turn to finish, and the effect is re-scheduled.
type Context struct {
	mu    sync.Mutex
	owner int64 // goid currently holding the turn; guarded by ownerMu
	depth int

	ownerMu sync.Mutex

	// active maps goid -> currently executing subscriber, for dependency
	// tracking across goroutines (async effects run on their own goroutine).
	active sync.Map

	batchDepth int
	pending    []*Effect
}

// NewContext creates an empty reactive graph.
func NewContext() *Context {
	return &Context{}
}

// enter acquires the turn lock unless the calling goroutine already holds it.
// Returns true if the lock was acquired and must be released via exit.
func (c *Context) enter() bool {
	gid := goid.Get()

	c.ownerMu.Lock()
	if c.owner == gid {
		c.depth++
		c.ownerMu.Unlock()
		return false
	}
	c.ownerMu.Unlock()

	c.mu.Lock()
	c.ownerMu.Lock()
	c.owner = gid
	c.depth = 1
	c.ownerMu.Unlock()
	return true
}

func (c *Context) exit(acquired bool) {
	// Dirtied effects run at the end of the outermost turn, never while a
	// derivation is mid-recompute.
	if acquired && c.batchDepth == 0 {
		c.flushPending()
	}
	c.ownerMu.Lock()
	c.depth--
	if acquired {
		c.owner = 0
	}
	c.ownerMu.Unlock()
	if acquired {
		c.mu.Unlock()
	}
}

func (c *Context) currentSubscriber() subscriber {
	if v, ok := c.active.Load(goid.Get()); ok {
		if sub, ok := v.(subscriber); ok {
			return sub
		}
	}
	return nil
}

// swapActive installs sub as the tracking target for the calling goroutine
// and returns the previous one (nil if none).
func (c *Context) swapActive(sub subscriber) subscriber {
	gid := goid.Get()
	var prev subscriber
	if v, ok := c.active.Load(gid); ok {
		prev, _ = v.(subscriber)
	}
	if sub == nil {
		c.active.Delete(gid)
	} else {
		c.active.Store(gid, sub)
	}
	return prev
}

// Untrack runs fn with dependency tracking suspended. Reads inside fn do not
// register the enclosing derivation/effect as a subscriber.
func (c *Context) Untrack(fn func()) {
	prev := c.swapActive(nil)
	defer c.swapActive(prev)
	fn()
}

// Batch defers effect execution until fn returns. Signal writes inside fn
// mark subscribers dirty as usual, but dirtied effects run once, after the
// outermost batch completes.
func (c *Context) Batch(fn func()) {
	acquired := c.enter()
	defer c.exit(acquired)

	c.batchDepth++
	defer func() {
		c.batchDepth--
		if c.batchDepth == 0 {
			c.flushPending()
		}
	}()
	fn()
}

// schedule queues an effect for execution at the end of the current turn
// (or batch), deduplicated.
func (c *Context) schedule(e *Effect) {
	for _, p := range c.pending {
		if p == e {
			return
		}
	}
	c.pending = append(c.pending, e)
}

func (c *Context) flushPending() {
	for len(c.pending) > 0 {
		queued := c.pending
		c.pending = nil
		for _, e := range queued {
			e.run()
		}
	}
}

// OnDispose registers fn on the currently executing derivation or effect.
// It fires when that node re-runs or is disposed. Calls outside a reaction
// are ignored.
func (c *Context) OnDispose(fn func()) {
	c.OnDisposeKeyed("", fn)
}

// OnDisposeKeyed is OnDispose with coalescing: within one run of a reaction,
// a later registration under the same non-empty key replaces the earlier one.
func (c *Context) OnDisposeKeyed(key string, fn func()) {
	sub := c.currentSubscriber()
	if sub == nil {
		return
	}
	if owner, ok := sub.(disposerOwner); ok {
		owner.disposers().add(key, fn)
	}
}

type disposerOwner interface {
	disposers() *disposerSet
}
