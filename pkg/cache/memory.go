package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	_ Cache     = (*Memory)(nil)
	_ Reclaimer = (*Memory)(nil)
)

// Memory is the in-process store. Reads share a read lock and never block
// each other; writes take the exclusive lock and replace whole entries.
// Expiry is evaluated lazily on Get, so no background goroutine is required.
//
// A *Memory is the shared handle: every copy of the pointer sees one map.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Entry

	// poisoned is set when a critical section panics. Once set, every
	// operation fails with ErrSynchronization.
	poisoned atomic.Bool

	clock  Clock
	logger *slog.Logger

	reclaimEvery int
	writes       int // guarded by mu

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// MemoryOption is a functional option for configuring a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the clock used for deadlines and expiry checks.
func WithClock(clock Clock) MemoryOption {
	return func(c *Memory) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger used for janitor and failure reports.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(c *Memory) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCleanupInterval starts a janitor that physically removes expired
// entries every interval. Call Stop to end it. Disabled when interval <= 0.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(c *Memory) {
		c.cleanupInterval = interval
	}
}

// WithReclaimEvery sweeps expired entries on every n-th Set or SetWithTTL,
// while the write lock is already held. Disabled when n <= 0.
func WithReclaimEvery(n int) MemoryOption {
	return func(c *Memory) {
		c.reclaimEvery = n
	}
}

// NewMemory creates an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	c := &Memory{
		items:       make(map[string]Entry),
		clock:       SystemClock,
		logger:      slog.Default(),
		stopCleanup: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.cleanupInterval > 0 {
		go c.cleanupLoop()
	}

	return c
}

// Set stores value under key with no deadline.
func (c *Memory) Set(_ context.Context, key, value string) error {
	return c.write(func() {
		c.items[key] = Entry{Key: key, Data: value}
		c.afterWrite()
	})
}

// SetWithTTL stores value under key, expiring ttl from now.
func (c *Memory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	return c.write(func() {
		c.items[key] = Entry{Key: key, Data: value, ExpiresAt: Deadline(c.clock(), ttl)}
		c.afterWrite()
	})
}

// Get returns the live value for key. The clock is sampled once, under the
// read lock, so the check sees a single instant.
func (c *Memory) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := c.read(func() {
		entry, ok := c.items[key]
		if !ok || !entry.LiveAt(c.clock()) {
			return
		}
		value, found = entry.Data, true
	})
	if err != nil {
		return "", false, err
	}

	return value, found, nil
}

// Delete removes key if present.
func (c *Memory) Delete(_ context.Context, key string) error {
	return c.write(func() {
		delete(c.items, key)
	})
}

// Clear removes every entry in one step. Concurrent readers observe either
// the full map or the empty one.
func (c *Memory) Clear(_ context.Context) error {
	return c.write(func() {
		c.items = make(map[string]Entry)
	})
}

// DeleteExpired physically removes entries whose deadline has passed and
// returns how many were removed.
func (c *Memory) DeleteExpired(_ context.Context) (int, error) {
	var n int
	err := c.write(func() {
		n = c.deleteExpired(c.clock())
	})
	return n, err
}

// Len returns the number of physically stored entries, expired ones included.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stop terminates the janitor goroutine, if any. It is safe to call more than once.
func (c *Memory) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
	})
}

// String implements fmt.Stringer.
func (c *Memory) String() string {
	return fmt.Sprintf("Memory(len=%d)", c.Len())
}

func (c *Memory) read(fn func()) (err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defer c.recoverPoison(&err)

	if c.poisoned.Load() {
		return ErrSynchronization
	}
	fn()
	return nil
}

func (c *Memory) write(fn func()) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.recoverPoison(&err)

	if c.poisoned.Load() {
		return ErrSynchronization
	}
	fn()
	return nil
}

// recoverPoison must be deferred after the lock is taken so that it runs
// before the unlock.
func (c *Memory) recoverPoison(err *error) {
	if r := recover(); r != nil {
		c.poisoned.Store(true)
		c.logger.Error("cache critical section panicked", "panic", r)
		*err = fmt.Errorf("%w: panic in critical section: %v", ErrSynchronization, r)
	}
}

// afterWrite runs with the write lock held.
func (c *Memory) afterWrite() {
	if c.reclaimEvery <= 0 {
		return
	}
	c.writes++
	if c.writes%c.reclaimEvery == 0 {
		c.deleteExpired(c.clock())
	}
}

// deleteExpired runs with the write lock held.
func (c *Memory) deleteExpired(now time.Time) int {
	n := 0
	for key, entry := range c.items {
		if !entry.LiveAt(now) {
			delete(c.items, key)
			n++
		}
	}
	return n
}

func (c *Memory) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := c.DeleteExpired(context.Background())
			if err != nil {
				c.logger.Error("cache janitor failed", "error", err)
				return
			}
			if n > 0 {
				c.logger.Debug("cache janitor reclaimed entries", "count", n)
			}
		case <-c.stopCleanup:
			return
		}
	}
}
