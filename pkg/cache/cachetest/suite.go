// Package cachetest provides a conformance suite that checks a cache.Cache
// implementation against the shared contract.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spounge-ai/cashier/pkg/cache"
)

// Epoch is the default start of a ManualClock. It is millisecond aligned so
// backends that persist deadlines in milliseconds round-trip exactly.
var Epoch = time.UnixMilli(1_700_000_000_000)

// ManualClock is a cache.Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current frozen instant.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds an empty cache that reads time from clock.
type Factory func(t *testing.T, clock cache.Clock) cache.Cache

// Run executes the conformance suite. Each subtest gets a fresh cache from
// newCache; backends sharing external state must start empty.
func Run(t *testing.T, newCache Factory) {
	t.Helper()

	setup := func(t *testing.T) (cache.Cache, *ManualClock) {
		clock := NewManualClock(Epoch)
		return newCache(t, clock.Now), clock
	}

	t.Run("GetNeverWritten", func(t *testing.T) {
		c, _ := setup(t)
		assertAbsent(t, c, "missing")
	})

	t.Run("SetThenGet", func(t *testing.T) {
		c, _ := setup(t)
		require.NoError(t, c.Set(ctx(), "a", "1"))
		assertValue(t, c, "a", "1")
	})

	t.Run("SetReplacesValue", func(t *testing.T) {
		c, _ := setup(t)
		require.NoError(t, c.Set(ctx(), "a", "1"))
		require.NoError(t, c.Set(ctx(), "a", "2"))
		assertValue(t, c, "a", "2")
	})

	t.Run("EmptyValueIsFound", func(t *testing.T) {
		c, _ := setup(t)
		require.NoError(t, c.Set(ctx(), "empty", ""))
		assertValue(t, c, "empty", "")
	})

	t.Run("SetClearsDeadline", func(t *testing.T) {
		c, clock := setup(t)
		require.NoError(t, c.SetWithTTL(ctx(), "k", "ttl", time.Second))
		require.NoError(t, c.Set(ctx(), "k", "permanent"))
		clock.Advance(time.Hour)
		assertValue(t, c, "k", "permanent")
	})

	t.Run("SetWithTTLExpires", func(t *testing.T) {
		c, clock := setup(t)
		require.NoError(t, c.SetWithTTL(ctx(), "b", "2", time.Second))
		assertValue(t, c, "b", "2")

		clock.Advance(999 * time.Millisecond)
		assertValue(t, c, "b", "2")

		clock.Advance(time.Millisecond)
		assertAbsent(t, c, "b")
	})

	t.Run("ZeroTTLNeverErrors", func(t *testing.T) {
		c, _ := setup(t)
		require.NoError(t, c.SetWithTTL(ctx(), "z", "0", 0))
		value, found, err := c.Get(ctx(), "z")
		require.NoError(t, err)
		if found {
			assert.Equal(t, "0", value)
		}
	})

	t.Run("NegativeTTLIsExpired", func(t *testing.T) {
		c, _ := setup(t)
		require.NoError(t, c.SetWithTTL(ctx(), "n", "v", -time.Minute))
		assertAbsent(t, c, "n")
	})

	t.Run("SetWithTTLReplacesDeadline", func(t *testing.T) {
		c, clock := setup(t)
		require.NoError(t, c.SetWithTTL(ctx(), "k", "long", time.Hour))
		require.NoError(t, c.SetWithTTL(ctx(), "k", "short", time.Second))
		clock.Advance(2 * time.Second)
		assertAbsent(t, c, "k")
	})

	t.Run("ExpiredKeyCanBeRewritten", func(t *testing.T) {
		c, clock := setup(t)
		require.NoError(t, c.SetWithTTL(ctx(), "k", "old", time.Second))
		clock.Advance(2 * time.Second)
		assertAbsent(t, c, "k")

		require.NoError(t, c.Set(ctx(), "k", "new"))
		assertValue(t, c, "k", "new")
	})

	t.Run("DeleteAbsentKey", func(t *testing.T) {
		c, _ := setup(t)
		require.NoError(t, c.Delete(ctx(), "never"))
		assertAbsent(t, c, "never")
	})

	t.Run("DeleteExistingKey", func(t *testing.T) {
		c, _ := setup(t)
		require.NoError(t, c.Set(ctx(), "a", "1"))
		require.NoError(t, c.Set(ctx(), "b", "2"))
		require.NoError(t, c.Delete(ctx(), "a"))
		require.NoError(t, c.Delete(ctx(), "a"))
		assertAbsent(t, c, "a")
		assertValue(t, c, "b", "2")
	})

	t.Run("ClearRemovesEverything", func(t *testing.T) {
		c, _ := setup(t)
		require.NoError(t, c.Set(ctx(), "x", "9"))
		require.NoError(t, c.Set(ctx(), "y", "8"))
		require.NoError(t, c.SetWithTTL(ctx(), "t", "7", time.Minute))
		require.NoError(t, c.Clear(ctx()))
		assertAbsent(t, c, "x")
		assertAbsent(t, c, "y")
		assertAbsent(t, c, "t")

		require.NoError(t, c.Set(ctx(), "x", "again"))
		assertValue(t, c, "x", "again")
	})

	t.Run("ClearEmptyStore", func(t *testing.T) {
		c, _ := setup(t)
		require.NoError(t, c.Clear(ctx()))
	})

	t.Run("Scenario", func(t *testing.T) {
		c, clock := setup(t)
		require.NoError(t, c.Set(ctx(), "a", "1"))
		assertValue(t, c, "a", "1")

		require.NoError(t, c.SetWithTTL(ctx(), "b", "2", time.Second))
		assertValue(t, c, "b", "2")
		clock.Advance(2 * time.Second)
		assertAbsent(t, c, "b")

		require.NoError(t, c.Delete(ctx(), "a"))
		assertAbsent(t, c, "a")

		require.NoError(t, c.Set(ctx(), "x", "9"))
		require.NoError(t, c.Set(ctx(), "y", "8"))
		require.NoError(t, c.Clear(ctx()))
		assertAbsent(t, c, "x")
		assertAbsent(t, c, "y")
	})

	t.Run("ConcurrentDistinctKeys", func(t *testing.T) {
		c, _ := setup(t)
		const workers = 32

		errs := make(chan error, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- c.Set(ctx(), fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		type result struct {
			i     int
			value string
			found bool
			err   error
		}
		results := make(chan result, workers)
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				value, found, err := c.Get(ctx(), fmt.Sprintf("key-%d", i))
				results <- result{i, value, found, err}
			}(i)
		}
		wg.Wait()
		close(results)
		for r := range results {
			require.NoError(t, r.err)
			assert.True(t, r.found, "key-%d lost", r.i)
			assert.Equal(t, fmt.Sprintf("value-%d", r.i), r.value)
		}
	})
}

func ctx() context.Context { return context.Background() }

func assertValue(t *testing.T, c cache.Cache, key, want string) {
	t.Helper()
	value, found, err := c.Get(ctx(), key)
	require.NoError(t, err)
	require.True(t, found, "expected %q to be present", key)
	assert.Equal(t, want, value)
}

func assertAbsent(t *testing.T, c cache.Cache, key string) {
	t.Helper()
	value, found, err := c.Get(ctx(), key)
	require.NoError(t, err)
	assert.False(t, found, "expected %q to be absent", key)
	assert.Empty(t, value)
}
