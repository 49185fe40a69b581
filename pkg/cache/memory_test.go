package cache_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spounge-ai/cashier/pkg/cache"
	"github.com/spounge-ai/cashier/pkg/cache/cachetest"
)

func TestMemory_Conformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T, clock cache.Clock) cache.Cache {
		return cache.NewMemory(cache.WithClock(clock))
	})
}

func TestMemory_ScenarioWithSystemClock(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for two seconds")
	}

	ctx := context.Background()
	c := cache.NewMemory()

	require.NoError(t, c.Set(ctx, "a", "1"))
	value, found, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", value)

	require.NoError(t, c.SetWithTTL(ctx, "b", "2", time.Second))
	value, found, err = c.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", value)

	time.Sleep(2 * time.Second)
	_, found, err = c.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_SharedHandle(t *testing.T) {
	ctx := context.Background()
	a := cache.NewMemory()
	b := a

	require.NoError(t, a.Set(ctx, "k", "v"))
	value, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", value)

	require.NoError(t, b.Clear(ctx))
	_, found, err = a.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_PanicPoisonsStore(t *testing.T) {
	ctx := context.Background()
	var explode atomic.Bool
	clock := func() time.Time {
		if explode.Load() {
			panic("clock exploded")
		}
		return time.Now()
	}
	c := cache.NewMemory(cache.WithClock(clock))

	require.NoError(t, c.SetWithTTL(ctx, "k", "v", time.Minute))

	explode.Store(true)
	_, _, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, cache.ErrSynchronization)

	explode.Store(false)
	assert.ErrorIs(t, c.Set(ctx, "k", "v"), cache.ErrSynchronization)
	assert.ErrorIs(t, c.Delete(ctx, "k"), cache.ErrSynchronization)
	assert.ErrorIs(t, c.Clear(ctx), cache.ErrSynchronization)
	_, _, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrSynchronization)

	// The lock itself was released, so introspection does not deadlock.
	assert.Equal(t, 1, c.Len())
}

func TestMemory_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewManualClock(cachetest.Epoch)
	c := cache.NewMemory(cache.WithClock(clock.Now))

	require.NoError(t, c.SetWithTTL(ctx, "short", "1", time.Second))
	require.NoError(t, c.SetWithTTL(ctx, "long", "2", time.Hour))
	require.NoError(t, c.Set(ctx, "forever", "3"))

	clock.Advance(time.Minute)

	// Expired entries stay physically present until reclaimed.
	assert.Equal(t, 3, c.Len())
	_, found, err := c.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)

	n, err := c.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, c.Len())

	value, found, err := c.Get(ctx, "long")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", value)
}

func TestMemory_ReclaimEvery(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewManualClock(cachetest.Epoch)
	c := cache.NewMemory(cache.WithClock(clock.Now), cache.WithReclaimEvery(2))

	require.NoError(t, c.SetWithTTL(ctx, "a", "1", time.Second))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Set(ctx, "b", "2"))
	assert.Equal(t, 1, c.Len())

	value, found, err := c.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", value)
}

func TestMemory_CleanupInterval(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewManualClock(cachetest.Epoch)
	c := cache.NewMemory(cache.WithClock(clock.Now), cache.WithCleanupInterval(5*time.Millisecond))
	defer c.Stop()

	require.NoError(t, c.SetWithTTL(ctx, "a", "1", time.Second))
	require.NoError(t, c.Set(ctx, "b", "2"))
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
}

func TestMemory_ConcurrentReadersAndWriters(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	const workers = 16
	const rounds = 200

	var failures atomic.Int64
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range rounds {
				key := fmt.Sprintf("k%d", i%8)
				var err error
				switch i % 4 {
				case 0:
					err = c.Set(ctx, key, fmt.Sprintf("w%d", w))
				case 1:
					err = c.SetWithTTL(ctx, key, fmt.Sprintf("w%d", w), time.Millisecond)
				case 2:
					err = c.Delete(ctx, key)
				default:
					if i%50 == 3 {
						err = c.Clear(ctx)
					}
				}
				if err != nil {
					failures.Add(1)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := range rounds {
				value, found, err := c.Get(ctx, fmt.Sprintf("k%d", i%8))
				if err != nil || (found && value == "") {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
}

func TestMemory_String(t *testing.T) {
	c := cache.NewMemory()
	require.NoError(t, c.Set(context.Background(), "a", "1"))
	assert.Equal(t, "Memory(len=1)", c.String())
}
