// Package supervisor runs the user's server in supervised generations: at
// most one generation is ever inside Serve, a new one starts only after the
// previous one's finish event, and back-to-back restarts are throttled by an
// optional cooldown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Server is the boundary contract for anything the supervisor can run.
// Serve blocks until shutdown is requested (via RequestExit or context
// cancellation) and returns nil on a clean stop. RequestExit is the
// writable should-exit flag; it must be safe to call at any time.
type Server interface {
	Serve(ctx context.Context) error
	RequestExit()
}

// MakeServer builds a server bound to a freshly loaded application object.
type MakeServer func(app any) (Server, error)

// Generation is one lifetime of a server between two reloads.
type Generation struct {
	ID     uuid.UUID
	Server Server
	// Ready is set once the generation has entered Serve.
	Ready *Event
	// Finish is set when Serve returns, successfully or not.
	Finish *Event
}

func newGeneration(server Server) *Generation {
	return &Generation{
		ID:     uuid.New(),
		Server: server,
		Ready:  NewEvent(),
		Finish: NewEvent(),
	}
}

// Config holds the supervisor's knobs.
type Config struct {
	MakeServer MakeServer
	// Cooldown is the minimum spacing between two generation starts.
	Cooldown time.Duration
	// OnServerCreated and OnServerStopped are lifecycle hooks; errors and
	// panics inside them are logged, never fatal.
	OnServerCreated func(gen *Generation)
	OnServerStopped func(gen *Generation)
}

// Supervisor owns the generation loop. The reload coordinator feeds it a
// fresh application object via SetApp, marks readiness on the Ready event,
// and requests restarts; the loop does the rest.
type Supervisor struct {
	cfg Config

	// appReady is set by the coordinator once a loaded application object
	// is available, and cleared while a reload is in flight.
	appReady *Event

	restartCh chan struct{}

	mu        sync.Mutex
	app       any
	current   *Generation
	lastStart time.Time
}

// New validates cfg and creates an idle supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.MakeServer == nil {
		return nil, fmt.Errorf("supervisor: MakeServer is required")
	}
	return &Supervisor{
		cfg:       cfg,
		appReady:  NewEvent(),
		restartCh: make(chan struct{}, 1),
	}, nil
}

// AppReady is the event gating generation starts. The coordinator clears it
// when a reload begins and sets it when the application object is fresh.
func (s *Supervisor) AppReady() *Event { return s.appReady }

// SetApp stores the application object the next generation will serve.
func (s *Supervisor) SetApp(app any) {
	s.mu.Lock()
	s.app = app
	s.mu.Unlock()
}

// RequestRestart marks that a new generation is needed. Coalescing: calls
// while a request is already pending are no-ops.
func (s *Supervisor) RequestRestart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// Current returns the generation currently inside Serve, or nil.
func (s *Supervisor) Current() *Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Run executes the generation loop until ctx ends. The first generation
// also goes through RequestRestart, so callers request one before Run.
// A server error tears the generation down and the loop waits for the next
// change; it never kills the supervisor.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.restartCh:
		}

		if err := s.appReady.Wait(ctx); err != nil {
			return nil
		}
		if !s.honorCooldown(ctx) {
			return nil
		}

		s.mu.Lock()
		app := s.app
		s.mu.Unlock()

		server, err := s.cfg.MakeServer(app)
		if err != nil {
			log.Printf("[supervisor] server factory failed: %v", err)
			continue
		}

		gen := newGeneration(server)
		s.mu.Lock()
		s.current = gen
		s.lastStart = time.Now()
		s.mu.Unlock()

		s.runHook(s.cfg.OnServerCreated, gen, "on_server_created")
		gen.Ready.Set()
		log.Printf("[supervisor] generation %s serving", gen.ID)

		serveErr := server.Serve(ctx)

		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		gen.Finish.Set()
		s.runHook(s.cfg.OnServerStopped, gen, "on_server_stopped")

		switch {
		case ctx.Err() != nil:
			return nil
		case serveErr != nil && !errors.Is(serveErr, context.Canceled):
			log.Printf("[supervisor] generation %s failed: %v", gen.ID, serveErr)
		default:
			log.Printf("[supervisor] generation %s stopped", gen.ID)
		}
	}
}

// Shutdown requests exit of the current generation, if any. The loop itself
// stops when its context is cancelled.
func (s *Supervisor) Shutdown() {
	if gen := s.Current(); gen != nil {
		gen.Server.RequestExit()
	}
}

// honorCooldown delays the next start to lastStart + Cooldown. Returns
// false when ctx ended during the wait.
func (s *Supervisor) honorCooldown(ctx context.Context) bool {
	if s.cfg.Cooldown <= 0 {
		return true
	}
	s.mu.Lock()
	last := s.lastStart
	s.mu.Unlock()
	if last.IsZero() {
		return true
	}
	remaining := time.Until(last.Add(s.cfg.Cooldown))
	if remaining <= 0 {
		return true
	}
	select {
	case <-time.After(remaining):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) runHook(hook func(*Generation), gen *Generation, name string) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[supervisor] %s hook panicked: %v", name, r)
		}
	}()
	hook(gen)
}
