package persistence_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spounge-ai/cashier/internal/infra/persistence"
	"github.com/spounge-ai/cashier/pkg/cache"
	"github.com/spounge-ai/cashier/pkg/cache/cachetest"
)

func newSQLCache(t *testing.T, clock cache.Clock) *persistence.SQLCache {
	t.Helper()

	db, err := persistence.OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)

	c, err := persistence.NewSQLCache(db, "cache_entries", persistence.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, c.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestSQLCache_Conformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T, clock cache.Clock) cache.Cache {
		return newSQLCache(t, clock)
	})
}

func TestSQLCache_InvalidTable(t *testing.T) {
	db, err := persistence.OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)

	_, err = persistence.NewSQLCache(db, "cache; DROP TABLE x")
	assert.ErrorIs(t, err, cache.ErrNotConfigured)

	_, err = persistence.NewSQLCache(nil, "cache_entries")
	assert.ErrorIs(t, err, cache.ErrNotConfigured)
}

func TestOpenSQLite_EmptyDSN(t *testing.T) {
	_, err := persistence.OpenSQLite("")
	assert.ErrorIs(t, err, cache.ErrNotConfigured)
}

func TestSQLCache_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewManualClock(cachetest.Epoch)
	c := newSQLCache(t, clock.Now)

	require.NoError(t, c.Set(ctx, "forever", "x"))
	require.NoError(t, c.SetWithTTL(ctx, "short", "x", time.Second))
	require.NoError(t, c.SetWithTTL(ctx, "long", "x", time.Hour))

	clock.Advance(time.Minute)
	n, err := c.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, err := c.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSQLCache_ClosedHandle(t *testing.T) {
	ctx := context.Background()
	c := newSQLCache(t, cache.SystemClock)

	require.NoError(t, c.HealthCheck(ctx))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Set(ctx, "a", "1"), cache.ErrNotConnected)
	_, _, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrNotConnected)
	assert.ErrorIs(t, c.HealthCheck(ctx), cache.ErrNotConnected)
}

func TestSQLCache_PersistsAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.sqlite")

	db, err := persistence.OpenSQLite(path)
	require.NoError(t, err)
	first, err := persistence.NewSQLCache(db, "")
	require.NoError(t, err)
	require.NoError(t, first.EnsureSchema(ctx))
	require.NoError(t, first.Set(ctx, "a", "1"))
	require.NoError(t, first.Close())

	db, err = persistence.OpenSQLite(path)
	require.NoError(t, err)
	second, err := persistence.NewSQLCache(db, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	got, found, err := second.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", got)
}
