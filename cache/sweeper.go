package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the sweeper checks for expired entries.
const DefaultSweepInterval = time.Minute

// Sweeper runs periodic eager expiry sweeps against a Cache. It is purely an
// optimization to bound memory held by idle entries; Get's lazy check remains
// the authority on staleness.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper for the given cache. A non-positive interval
// falls back to DefaultSweepInterval.
func NewSweeper(c *Cache, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cache:    c,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background sweeps. Calling Start more than once is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops background sweeps and waits for the goroutine to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of entries removed.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	removed := s.cache.ExpireNow(ctx)
	if removed > 0 {
		s.logger.Info("sweep complete",
			"expired", removed,
			"duration", time.Since(start),
		)
	} else {
		s.logger.Debug("sweep complete, nothing expired")
	}
	return removed
}
