package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// drainTimeout bounds how long an exiting generation waits for in-flight
// requests.
const drainTimeout = 5 * time.Second

// HTTPServer adapts net/http to the Server contract.
type HTTPServer struct {
	addr    string
	handler http.Handler

	exitOnce sync.Once
	exitCh   chan struct{}
}

// NewHTTPServer builds a server for handler on host:port.
func NewHTTPServer(host string, port int, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		handler: handler,
		exitCh:  make(chan struct{}),
	}
}

// Addr returns the listen address.
func (s *HTTPServer) Addr() string { return s.addr }

// RequestExit flags the server for shutdown. Safe to call repeatedly and
// before Serve.
func (s *HTTPServer) RequestExit() {
	s.exitOnce.Do(func() { close(s.exitCh) })
}

// Serve listens and blocks until RequestExit or ctx cancellation, draining
// in-flight requests before returning.
func (s *HTTPServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("supervisor: listen %s: %w", s.addr, err)
	}

	srv := &http.Server{Handler: s.handler}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-s.exitCh:
		case <-ctx.Done():
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		_ = srv.Shutdown(drainCtx)
	}()

	err = srv.Serve(ln)
	<-shutdownDone
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
