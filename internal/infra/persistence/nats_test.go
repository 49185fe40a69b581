package persistence_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spounge-ai/cashier/internal/infra/config"
	"github.com/spounge-ai/cashier/internal/infra/persistence"
	"github.com/spounge-ai/cashier/pkg/cache"
	"github.com/spounge-ai/cashier/pkg/cache/cachetest"
)

func natsURL(t *testing.T) string {
	t.Helper()

	addr := backendAddr(t, "CASHIER_TEST_NATS_URL", &dockertest.RunOptions{
		Repository: "nats",
		Tag:        "2.10",
		Cmd:        []string{"-js"},
	}, "4222/tcp", func(addr string) error {
		nc, err := nats.Connect("nats://" + addr)
		if err != nil {
			return err
		}
		nc.Close()
		return nil
	})
	if strings.Contains(addr, "://") {
		return addr
	}
	return "nats://" + addr
}

// createBucket provisions a throwaway bucket and removes it after the test.
func createBucket(t *testing.T, url string) string {
	t.Helper()
	ctx := context.Background()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	bucket := "cashier-" + uuid.NewString()
	_, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.DeleteKeyValue(context.Background(), bucket) })

	return bucket
}

func TestKVCache(t *testing.T) {
	url := natsURL(t)
	ctx := context.Background()

	newCache := func(t *testing.T, clock cache.Clock) *persistence.KVCache {
		c, err := persistence.DialKVCache(ctx, config.NATSConfig{
			URL:    url,
			Bucket: createBucket(t, url),
			Name:   "cashier-test",
		}, persistence.WithClock(clock))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	t.Run("Conformance", func(t *testing.T) {
		cachetest.Run(t, func(t *testing.T, clock cache.Clock) cache.Cache {
			return newCache(t, clock)
		})
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		clock := cachetest.NewManualClock(cachetest.Epoch)
		c := newCache(t, clock.Now)

		require.NoError(t, c.Set(ctx, "forever", "x"))
		require.NoError(t, c.SetWithTTL(ctx, "short", "x", time.Second))

		clock.Advance(time.Minute)
		n, err := c.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("MissingBucket", func(t *testing.T) {
		_, err := persistence.DialKVCache(ctx, config.NATSConfig{URL: url, Bucket: "does-not-exist"})
		assert.ErrorIs(t, err, cache.ErrNotConfigured)
	})

	t.Run("HealthAndClose", func(t *testing.T) {
		c := newCache(t, cache.SystemClock)
		require.NoError(t, c.HealthCheck(ctx))
		require.NoError(t, c.Close())
		assert.ErrorIs(t, c.Set(ctx, "a", "1"), cache.ErrNotConnected)
	})
}

func TestDialKVCache_Validation(t *testing.T) {
	_, err := persistence.DialKVCache(context.Background(), config.NATSConfig{})
	assert.ErrorIs(t, err, cache.ErrNotConfigured)

	_, err = persistence.NewKVCache(nil)
	assert.ErrorIs(t, err, cache.ErrNotConfigured)
}

type fakeKVEntry struct {
	jetstream.KeyValueEntry
	value []byte
	rev   uint64
}

func (e fakeKVEntry) Value() []byte    { return e.value }
func (e fakeKVEntry) Revision() uint64 { return e.rev }

type fakeKeyLister struct {
	keys chan string
}

func (l fakeKeyLister) Keys() <-chan string { return l.keys }
func (l fakeKeyLister) Stop() error         { return nil }

// fakeKV is an in-memory bucket that keeps the latest revision per key. A
// purge with options is treated as conditional on the revision Get last
// served for that key.
type fakeKV struct {
	jetstream.KeyValue

	mu        sync.Mutex
	entries   map[string]fakeKVEntry
	served    map[string]uint64
	seq       uint64
	afterGet  func(key string)
	// stallList keeps the key listing open until its context is done.
	stallList bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{entries: make(map[string]fakeKVEntry), served: make(map[string]uint64)}
}

func (f *fakeKV) Bucket() string { return "fake" }

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.entries[key] = fakeKVEntry{value: value, rev: f.seq}
	return f.seq, nil
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	entry, ok := f.entries[key]
	if ok {
		f.served[key] = entry.rev
	}
	hook := f.afterGet
	f.mu.Unlock()

	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	if hook != nil {
		hook(key)
	}
	return entry, nil
}

func (f *fakeKV) Purge(_ context.Context, key string, opts ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(opts) > 0 && f.entries[key].rev != f.served[key] {
		return &jetstream.APIError{
			Code:        400,
			ErrorCode:   jetstream.JSErrCodeStreamWrongLastSequence,
			Description: "wrong last sequence",
		}
	}
	delete(f.entries, key)
	return nil
}

func (f *fakeKV) ListKeys(ctx context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stallList {
		keys := make(chan string)
		go func() {
			<-ctx.Done()
			close(keys)
		}()
		return fakeKeyLister{keys: keys}, nil
	}
	if len(f.entries) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make(chan string, len(f.entries))
	for k := range f.entries {
		keys <- k
	}
	close(keys)
	return fakeKeyLister{keys: keys}, nil
}

func TestKVCache_DeleteExpiredKeepsConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewManualClock(cachetest.Epoch)
	kv := newFakeKV()
	c, err := persistence.NewKVCache(kv, persistence.WithClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, c.SetWithTTL(ctx, "k", "stale", time.Second))
	require.NoError(t, c.SetWithTTL(ctx, "gone", "stale", time.Second))
	require.NoError(t, c.Set(ctx, "forever", "x"))
	clock.Advance(time.Minute)

	// Rewrite "k" between the sweep reading it and purging it.
	var once sync.Once
	kv.afterGet = func(key string) {
		if key == "k_aw" {
			once.Do(func() { assert.NoError(t, c.Set(ctx, "k", "fresh")) })
		}
	}

	n, err := c.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	kv.afterGet = nil
	value, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "fresh", value)

	_, found, err = c.Get(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Clear(ctx))
	n, err = c.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKVCache_ListingTimeout(t *testing.T) {
	kv := newFakeKV()
	kv.stallList = true
	c, err := persistence.NewKVCache(kv, persistence.WithOperationTimeout(10*time.Millisecond))
	require.NoError(t, err)

	err = c.Clear(context.Background())
	assert.ErrorIs(t, err, cache.ErrBackend)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
