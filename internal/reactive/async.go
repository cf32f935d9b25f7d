package reactive

import (
	"context"
	"log"
	"sync"
)

// AsyncEffect is an effect whose body may block (I/O, subprocesses, server
// drains). It is a supervised goroutine owning a dirty-notification channel:
// the body runs at most once at a time, and notifications arriving mid-run
// coalesce into a single follow-up run.
type AsyncEffect struct {
	ctx *Context
	fn  func(context.Context) error

	notify chan struct{}
	cancel context.CancelFunc
	runCtx context.Context
	wg     sync.WaitGroup

	mu       sync.Mutex
	sources  []source
	disp     disposerSet
	disposed bool

	onError func(error)
}

// NewAsyncEffect creates the effect and starts its worker goroutine. The
// body does not run until the first Trigger.
func NewAsyncEffect(ctx *Context, fn func(context.Context) error, onError func(error)) *AsyncEffect {
	runCtx, cancel := context.WithCancel(context.Background())
	e := &AsyncEffect{
		ctx:     ctx,
		fn:      fn,
		notify:  make(chan struct{}, 1),
		cancel:  cancel,
		runCtx:  runCtx,
		onError: onError,
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *AsyncEffect) recordSource(src source) {
	e.mu.Lock()
	e.sources = append(e.sources, src)
	e.mu.Unlock()
}

func (e *AsyncEffect) disposers() *disposerSet { return &e.disp }

func (e *AsyncEffect) stale(nodeState) {
	e.Trigger()
}

// Trigger schedules a run. If a run is in flight the notification coalesces
// and the body re-runs once after it completes.
func (e *AsyncEffect) Trigger() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *AsyncEffect) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-e.notify:
		}
		e.runOnce()
	}
}

func (e *AsyncEffect) runOnce() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disp.runAll()
	e.unlinkSourcesLocked()
	e.mu.Unlock()

	prev := e.ctx.swapActive(e)
	err := e.fn(e.runCtx)
	e.ctx.swapActive(prev)

	if err != nil && e.runCtx.Err() == nil {
		if e.onError != nil {
			e.onError(err)
		} else {
			log.Printf("[reactive] async effect error: %v", err)
		}
	}
}

func (e *AsyncEffect) unlinkSourcesLocked() {
	for _, src := range e.sources {
		src.removeSub(e)
	}
	e.sources = nil
}

// Dispose cancels an in-flight run, waits for the worker to exit, and fires
// the registered disposers.
func (e *AsyncEffect) Dispose() {
	e.cancel()
	e.wg.Wait()

	acquired := e.ctx.enter()
	defer e.ctx.exit(acquired)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	e.disposed = true
	e.unlinkSourcesLocked()
	e.disp.runAll()
}
