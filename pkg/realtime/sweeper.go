package realtime

import (
	"fmt"
	"sync"
	"time"

	"call-signal-backend/pkg/database"
)

// Sweeper periodically flips pending call requests whose ring deadline has
// passed to "timeout", using the store's conditional update so it can never
// overwrite an accept or decline that won first. The resulting update events
// fan out to notifiers like any other status transition.
type Sweeper struct {
	db       database.DatabaseInterface
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSweeper 创建超时清理器
func NewSweeper(db database.DatabaseInterface, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{db: db, interval: interval}
}

// Start launches the background loop. Calling Start while running is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(s.stop, s.done)
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
}

func (s *Sweeper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.SweepOnce(time.Now())
		}
	}
}

// SweepOnce runs a single pass. Exposed so operators and tests can force a
// sweep without waiting for the ticker.
func (s *Sweeper) SweepOnce(now time.Time) {
	count, err := s.db.ExpireCallRequests(now)
	if err != nil {
		fmt.Printf("[warn] sweeper: expire pass failed: %v\n", err)
		return
	}
	if count > 0 {
		fmt.Printf("⏰ Swept %d expired call request(s) to timeout\n", count)
	}
}
