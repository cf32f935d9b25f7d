package reload

import "log"

// Hooks are user extension points, fired in this order per cycle:
// OnChangeDetected, BeforeShutdown, AfterShutdown, BeforeReload,
// AfterReload. (The server hooks, on_server_created and on_server_stopped,
// belong to the supervisor.) A hook error or panic is logged and never
// aborts the cycle.
type Hooks struct {
	OnChangeDetected func(info Info) error
	BeforeShutdown   func() error
	AfterShutdown    func() error
	BeforeReload     func() error
	AfterReload      func() error
}

func runHook(name string, fn func() error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[reload] %s hook panicked: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		log.Printf("[reload] %s hook failed: %v", name, err)
	}
}

func (h Hooks) changeDetected(info Info) {
	if h.OnChangeDetected == nil {
		return
	}
	runHook("on_change_detected", func() error { return h.OnChangeDetected(info) })
}
