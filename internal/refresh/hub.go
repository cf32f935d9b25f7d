// Package refresh implements the browser-refresh channel: a hub fanning out
// reload notifications, the reserved HTTP endpoint streaming heartbeats to
// connected pages, and a middleware that injects the client runtime into
// HTML responses.
package refresh

import (
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// EndpointPath is the reserved path the client runtime polls.
const EndpointPath = "/---fastapi-reloader---"

// heartbeatInterval keeps each stream under the protocol's 1-second bound.
const heartbeatInterval = 800 * time.Millisecond

// Hub fans a reload signal out to all connected subscribers. Each subscriber
// receives the final value at most once: its stream closes right after.
type Hub struct {
	subs   *xsync.Map[uint64, chan struct{}]
	nextID atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: xsync.NewMap[uint64, chan struct{}]()}
}

// NotifyReload wakes every current subscriber. Non-blocking: a subscriber
// that already has a pending notification is left as is.
func (h *Hub) NotifyReload() {
	n := 0
	h.subs.Range(func(id uint64, ch chan struct{}) bool {
		select {
		case ch <- struct{}{}:
		default:
		}
		n++
		return true
	})
	if n > 0 {
		log.Printf("[refresh] notified %d connected page(s)", n)
	}
}

// SubscriberCount reports the number of open streams.
func (h *Hub) SubscriberCount() int {
	return h.subs.Size()
}

func (h *Hub) subscribe() (uint64, chan struct{}) {
	id := h.nextID.Add(1)
	ch := make(chan struct{}, 1)
	h.subs.Store(id, ch)
	return id, ch
}

func (h *Hub) unsubscribe(id uint64) {
	h.subs.Delete(id)
}

// ServeHTTP implements the endpoint protocol: HEAD answers 202 as a
// liveness probe; GET answers 201 and streams `0` heartbeat lines until a
// reload produces the final `1` line; anything else is 405.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusAccepted)
	case http.MethodGet:
		h.stream(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Hub) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	id, ch := h.subscribe()
	defer h.unsubscribe(id)

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch:
			// Final line; at most one per stream by construction.
			_, _ = w.Write([]byte("1\n"))
			flusher.Flush()
			return
		case <-ticker.C:
			// Heartbeats are best-effort; a failed write means the peer
			// is gone and the context cancellation will follow.
			if _, err := w.Write([]byte("0\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
