// Package ratelimit provides a sliding-window admission limiter shared by
// every request to the proxy.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/rawproxy/telemetry"
)

const (
	// DefaultMaxRequests is the default admission quota per window.
	DefaultMaxRequests = 10

	// DefaultWindow is the default trailing window size.
	DefaultWindow = time.Second
)

// Config holds limiter configuration.
type Config struct {
	// MaxRequests is the number of admissions allowed in any trailing window.
	// Zero means DefaultMaxRequests.
	MaxRequests int

	// Window is the trailing window size. Zero means DefaultWindow.
	Window time.Duration
}

// Stats is a snapshot of limiter counters.
type Stats struct {
	Admitted int64 `json:"admitted"`
	Denied   int64 `json:"denied"`
	InWindow int   `json:"in_window"`
}

// Limiter is a sliding-window admission limiter. The quota is global to the
// process, not per caller; state does not survive restarts. It is a
// best-effort single-process guard, not a distributed quota.
type Limiter struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	admitted []time.Time
	totalIn  int64
	totalOut int64
}

// New creates a limiter with the given configuration.
func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{
		config:   cfg,
		now:      time.Now,
		admitted: make([]time.Time, 0, cfg.MaxRequests),
	}
}

// Allow reports whether a request may be admitted now. Timestamps at or
// before the window start are pruned first; a denied request is not recorded,
// so denials never extend the window.
func (l *Limiter) Allow(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.config.Window)

	// Admissions are appended in order, so the retained suffix starts at the
	// first timestamp after windowStart.
	keep := 0
	for keep < len(l.admitted) && !l.admitted[keep].After(windowStart) {
		keep++
	}
	if keep > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[keep:]...)
	}

	if len(l.admitted) >= l.config.MaxRequests {
		l.totalOut++
		telemetry.RecordLimiterDenied(ctx)
		return false
	}

	l.admitted = append(l.admitted, now)
	l.totalIn++
	return true
}

// Stats returns a snapshot of the limiter counters. The in-window count is
// as of the last Allow call; it is not re-pruned here.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Admitted: l.totalIn,
		Denied:   l.totalOut,
		InWindow: len(l.admitted),
	}
}
