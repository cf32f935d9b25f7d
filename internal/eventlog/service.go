package eventlog

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service provides an async journal writer. Record performs a non-blocking
// channel send (drops on overflow); a background goroutine flushes batches
// to the Repo.
type Service struct {
	repo      *Repo
	queue     chan Entry
	batchSize int
	interval  time.Duration

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// ServiceConfig configures the journal service.
type ServiceConfig struct {
	Repo          *Repo
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

// NewService creates an idle journal service.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 32
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Service{
		repo:      cfg.Repo,
		queue:     make(chan Entry, queueSize),
		batchSize: batchSize,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop, drains remaining entries, and returns.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Record enqueues one reload-cycle entry, assigning its ID and timestamp if
// unset. Non-blocking; drops on overflow.
func (s *Service) Record(entry Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	select {
	case s.queue <- entry:
	default:
	}
}

// Repo returns the underlying repository for query access.
func (s *Service) Repo() *Repo {
	return s.repo
}

func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			for {
				select {
				case entry := <-s.queue:
					batch = append(batch, entry)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *Service) flush(entries []Entry) {
	if n, err := s.repo.InsertBatch(entries); err != nil {
		log.Printf("[eventlog] flush %d entries failed: %v", len(entries), err)
	} else if n > 0 {
		log.Printf("[eventlog] flushed %d entries", n)
	}
}
