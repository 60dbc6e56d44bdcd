package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweeperRunOnce(t *testing.T) {
	c, setNow := newTestCache(Config{TTL: time.Minute})
	ctx := context.Background()

	t0 := time.Unix(1000, 0)
	setNow(t0)
	c.Put(ctx, "stale", []byte("v"), "text/plain")

	setNow(t0.Add(30 * time.Second))
	c.Put(ctx, "fresh", []byte("v"), "text/plain")

	setNow(t0.Add(70 * time.Second))
	s := NewSweeper(c, time.Hour, nil)
	removed := s.RunOnce(ctx)

	require.Equal(t, 1, removed)
	require.Equal(t, 1, c.Len())

	_, _, ok := c.Get(ctx, "fresh")
	require.True(t, ok)
}

func TestSweeperRunOnceNothingExpired(t *testing.T) {
	c, _ := newTestCache(Config{TTL: time.Hour})
	ctx := context.Background()

	c.Put(ctx, "k", []byte("v"), "text/plain")

	s := NewSweeper(c, time.Hour, nil)
	require.Equal(t, 0, s.RunOnce(ctx))
	require.Equal(t, 1, c.Len())
}

func TestSweeperStartStop(t *testing.T) {
	c, _ := newTestCache(Config{TTL: time.Hour})

	s := NewSweeper(c, 10*time.Millisecond, nil)
	s.Start(context.Background())

	// Second Start is a no-op.
	s.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	s.Stop()

	// Stop after Stop is a no-op.
	s.Stop()
}

func TestSweeperLazyExpiryStillAuthoritative(t *testing.T) {
	c, setNow := newTestCache(Config{TTL: time.Minute})
	ctx := context.Background()

	t0 := time.Unix(1000, 0)
	setNow(t0)
	c.Put(ctx, "k", []byte("v"), "text/plain")

	// No sweep has run, but the entry is past its TTL: Get must still miss.
	setNow(t0.Add(2 * time.Minute))
	_, _, ok := c.Get(ctx, "k")
	require.False(t, ok)
}
