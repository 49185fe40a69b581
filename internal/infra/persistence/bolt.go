package persistence

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/spounge-ai/cashier/pkg/cache"
)

var (
	_ cache.Cache         = (*BoltCache)(nil)
	_ cache.Reclaimer     = (*BoltCache)(nil)
	_ cache.HealthChecker = (*BoltCache)(nil)
)

const (
	defaultBoltBucket = "cache"
	deadlineSize      = 8
)

// Bolt rejects empty keys, so every stored key carries this prefix.
var boltKeyPrefix = []byte("k:")

// BoltCache stores entries in a single bbolt bucket on local disk.
// Layout of each value: 8 bytes big endian deadline in Unix ms || raw value.
// A zero deadline means the entry never expires.
type BoltCache struct {
	db     *bolt.DB
	bucket []byte
	opts   options
	logger *slog.Logger
	closed atomic.Bool
}

// OpenBoltCache opens or creates the database at path and its bucket.
func OpenBoltCache(path, bucket string, opts ...Option) (*BoltCache, error) {
	if path == "" {
		return nil, notConfigured("bolt: path is required")
	}
	if bucket == "" {
		bucket = defaultBoltBucket
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, backendError("open bolt db", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, backendError("create bolt bucket", err)
	}

	o := newOptions(opts)
	return &BoltCache{
		db:     db,
		bucket: []byte(bucket),
		opts:   o,
		logger: o.logger.With("backend", "bolt", "path", path),
	}, nil
}

func encodeBoltValue(value string, expiresAt time.Time) []byte {
	buf := make([]byte, deadlineSize+len(value))
	binary.BigEndian.PutUint64(buf[:deadlineSize], uint64(cache.ToUnixMilli(expiresAt)))
	copy(buf[deadlineSize:], value)
	return buf
}

func decodeBoltDeadline(v []byte) (time.Time, error) {
	if len(v) < deadlineSize {
		return time.Time{}, errors.New("bolt: truncated cache value")
	}
	return cache.FromUnixMilli(int64(binary.BigEndian.Uint64(v[:deadlineSize]))), nil
}

func boltKey(key string) []byte {
	return append(append([]byte(nil), boltKeyPrefix...), key...)
}

func (c *BoltCache) Set(ctx context.Context, key, value string) error {
	return c.put(ctx, key, encodeBoltValue(value, time.Time{}))
}

func (c *BoltCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.put(ctx, key, encodeBoltValue(value, cache.Deadline(c.opts.clock(), ttl)))
}

func (c *BoltCache) put(ctx context.Context, key string, buf []byte) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(c.bucket).Put(boltKey(key), buf)
	}); err != nil {
		return backendError("put bolt entry", err)
	}
	return nil
}

func (c *BoltCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := c.ready(ctx); err != nil {
		return "", false, err
	}

	now := c.opts.clock()
	var (
		out   string
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(c.bucket).Get(boltKey(key))
		if v == nil {
			return nil
		}
		expiresAt, err := decodeBoltDeadline(v)
		if err != nil {
			return err
		}
		if !(cache.Entry{ExpiresAt: expiresAt}).LiveAt(now) {
			return nil
		}
		// v is only valid for the life of the transaction.
		out, found = string(v[deadlineSize:]), true
		return nil
	})
	if err != nil {
		return "", false, backendError("get bolt entry", err)
	}
	return out, found, nil
}

func (c *BoltCache) Delete(ctx context.Context, key string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(c.bucket).Delete(boltKey(key))
	}); err != nil {
		return backendError("delete bolt entry", err)
	}
	return nil
}

// Clear drops and recreates the bucket in one transaction.
func (c *BoltCache) Clear(ctx context.Context) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(c.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(c.bucket)
		return err
	}); err != nil {
		return backendError("clear bolt bucket", err)
	}
	return nil
}

func (c *BoltCache) DeleteExpired(ctx context.Context) (int, error) {
	if err := c.ready(ctx); err != nil {
		return 0, err
	}

	now := c.opts.clock()
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			expiresAt, err := decodeBoltDeadline(v)
			if err != nil {
				return err
			}
			if !(cache.Entry{ExpiresAt: expiresAt}).LiveAt(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		// Bolt forbids mutating a bucket while iterating it.
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, backendError("delete expired bolt entries", err)
	}
	return removed, nil
}

func (c *BoltCache) HealthCheck(ctx context.Context) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(c.bucket) == nil {
			return backendError("health check", bolt.ErrBucketNotFound)
		}
		return nil
	})
}

func (c *BoltCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.db.Close()
}

// ready rejects calls on a closed handle. Bolt ignores contexts, so a
// cancelled ctx is checked up front.
func (c *BoltCache) ready(ctx context.Context) error {
	if c.closed.Load() {
		return cache.ErrNotConnected
	}
	return ctx.Err()
}
