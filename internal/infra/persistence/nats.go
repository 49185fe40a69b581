package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/spounge-ai/cashier/internal/infra/config"
	"github.com/spounge-ai/cashier/pkg/cache"
	"github.com/spounge-ai/cashier/pkg/execution"
	"github.com/spounge-ai/cashier/pkg/patterns/batch"
)

var (
	_ cache.Cache         = (*KVCache)(nil)
	_ cache.Reclaimer     = (*KVCache)(nil)
	_ cache.HealthChecker = (*KVCache)(nil)
)

// envelope is the JSON value written to the bucket. JetStream KV only
// supports a bucket-wide TTL, so per-key deadlines travel with the value.
type envelope struct {
	Value       string `json:"value"`
	ExpiresAtMs int64  `json:"expires_at_ms,omitempty"`
}

func (e envelope) liveAt(now time.Time) bool {
	return cache.Entry{Data: e.Value, ExpiresAt: cache.FromUnixMilli(e.ExpiresAtMs)}.LiveAt(now)
}

func encodeEnvelope(value string, expiresAt time.Time) ([]byte, error) {
	return json.Marshal(envelope{Value: value, ExpiresAtMs: cache.ToUnixMilli(expiresAt)})
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("failed to decode kv envelope: %w", err)
	}
	return env, nil
}

// KVCache stores entries in a NATS JetStream key-value bucket.
//
// Clear lists the keys and purges them in parallel, so a concurrent reader
// may observe a partially cleared bucket.
type KVCache struct {
	kv     jetstream.KeyValue
	conn   *nats.Conn
	opts   options
	logger *slog.Logger
	closed atomic.Bool
}

// DialKVCache connects to NATS and binds to an existing bucket. The
// connection is owned by the returned cache and drained on Close.
func DialKVCache(ctx context.Context, cfg config.NATSConfig, opts ...Option) (*KVCache, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, notConfigured("nats: url and bucket are required")
	}

	natsOpts := []nats.Option{nats.Timeout(5 * time.Second)}
	if cfg.Name != "" {
		natsOpts = append(natsOpts, nats.Name(cfg.Name))
	}

	nc, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, backendError("connect to nats", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, backendError("open jetstream", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err != nil {
		nc.Close()
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, notConfigured("nats: bucket %q does not exist", cfg.Bucket)
		}
		return nil, backendError("bind kv bucket", err)
	}

	c, err := NewKVCache(kv, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.conn = nc
	return c, nil
}

// NewKVCache wraps an already bound bucket. The caller keeps ownership of
// the underlying connection.
func NewKVCache(kv jetstream.KeyValue, opts ...Option) (*KVCache, error) {
	if kv == nil {
		return nil, notConfigured("nats: kv bucket is required")
	}

	o := newOptions(opts)
	return &KVCache{
		kv:     kv,
		opts:   o,
		logger: o.logger.With("backend", "nats", "bucket", kv.Bucket()),
	}, nil
}

func (c *KVCache) Set(ctx context.Context, key, value string) error {
	return c.put(ctx, key, value, time.Time{})
}

func (c *KVCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.put(ctx, key, value, cache.Deadline(c.opts.clock(), ttl))
}

func (c *KVCache) put(ctx context.Context, key, value string, expiresAt time.Time) error {
	if err := c.ready(); err != nil {
		return err
	}

	data, err := encodeEnvelope(value, expiresAt)
	if err != nil {
		return err
	}

	return execution.RunWithTimeout(ctx, c.opts.timeout, func(ctx context.Context) error {
		if _, err := c.kv.Put(ctx, encodeKey(key), data); err != nil {
			return backendError("put kv entry", err)
		}
		return nil
	})
}

func (c *KVCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := c.ready(); err != nil {
		return "", false, err
	}

	now := c.opts.clock()
	env, _, found, err := c.fetch(ctx, encodeKey(key))
	if err != nil || !found || !env.liveAt(now) {
		return "", false, err
	}
	return env.Value, true, nil
}

// fetch returns the envelope stored under subject and its revision.
func (c *KVCache) fetch(ctx context.Context, subject string) (envelope, uint64, bool, error) {
	entry, err := execution.WithTimeout(ctx, c.opts.timeout, func(ctx context.Context) (jetstream.KeyValueEntry, error) {
		return c.kv.Get(ctx, subject)
	})
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return envelope{}, 0, false, nil
	}
	if err != nil {
		return envelope{}, 0, false, backendError("get kv entry", err)
	}

	env, err := decodeEnvelope(entry.Value())
	if err != nil {
		return envelope{}, 0, false, backendError("get kv entry", err)
	}
	return env, entry.Revision(), true, nil
}

func (c *KVCache) Delete(ctx context.Context, key string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.purge(ctx, encodeKey(key))
}

// purge drops the key and its history so the bucket does not grow with
// delete markers.
func (c *KVCache) purge(ctx context.Context, subject string) error {
	return execution.RunWithTimeout(ctx, c.opts.timeout, func(ctx context.Context) error {
		if err := c.kv.Purge(ctx, subject); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return backendError("purge kv entry", err)
		}
		return nil
	})
}

// purgeRevision purges subject only while rev is its latest revision. It
// reports false when the entry was written again in the meantime.
func (c *KVCache) purgeRevision(ctx context.Context, subject string, rev uint64) (bool, error) {
	return execution.WithTimeout(ctx, c.opts.timeout, func(ctx context.Context) (bool, error) {
		err := c.kv.Purge(ctx, subject, jetstream.LastRevision(rev))
		if err == nil {
			return true, nil
		}
		if isRevisionMismatch(err) {
			c.logger.Debug("skipped reclaiming rewritten entry", "subject", subject)
			return false, nil
		}
		return false, backendError("purge expired kv entry", err)
	})
}

func isRevisionMismatch(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}

func (c *KVCache) Clear(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}

	subjects, err := c.listKeys(ctx)
	if err != nil {
		return err
	}
	purger := &batch.Processor[string, struct{}]{
		Process: func(ctx context.Context, subject string) (struct{}, error) {
			return struct{}{}, c.purge(ctx, subject)
		},
	}
	return purger.Run(ctx, subjects).FirstError()
}

// DeleteExpired purges expired entries. Each purge is conditional on the
// revision that was read, so an entry rewritten during the sweep survives.
func (c *KVCache) DeleteExpired(ctx context.Context) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	subjects, err := c.listKeys(ctx)
	if err != nil {
		return 0, err
	}

	now := c.opts.clock()
	reclaimer := &batch.Processor[string, bool]{
		Process: func(ctx context.Context, subject string) (bool, error) {
			env, rev, found, err := c.fetch(ctx, subject)
			if err != nil || !found || env.liveAt(now) {
				return false, err
			}
			return c.purgeRevision(ctx, subject, rev)
		},
	}

	res := reclaimer.Run(ctx, subjects)
	removed := 0
	for _, item := range res.Items {
		if item.Result && item.Error == nil {
			removed++
		}
	}
	return removed, res.FirstError()
}

func (c *KVCache) listKeys(ctx context.Context) ([]string, error) {
	return execution.WithTimeout(ctx, c.opts.timeout, func(ctx context.Context) ([]string, error) {
		lister, err := c.kv.ListKeys(ctx)
		if err != nil {
			if errors.Is(err, jetstream.ErrNoKeysFound) {
				return nil, nil
			}
			return nil, backendError("list kv keys", err)
		}
		defer func() {
			if err := lister.Stop(); err != nil {
				c.logger.Debug("failed to stop key lister", "error", err)
			}
		}()

		var subjects []string
		for subject := range lister.Keys() {
			if _, ok := decodeKey(subject); ok {
				subjects = append(subjects, subject)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, backendError("list kv keys", err)
		}
		return subjects, nil
	})
}

func (c *KVCache) HealthCheck(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	if c.conn != nil && !c.conn.IsConnected() {
		return backendError("health check", nats.ErrConnectionClosed)
	}
	if _, err := execution.WithTimeout(ctx, c.opts.timeout, c.kv.Status); err != nil {
		c.logger.Error("nats health check failed", "error", err)
		return backendError("kv status", err)
	}
	return nil
}

func (c *KVCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) || c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}

func (c *KVCache) ready() error {
	if c.closed.Load() {
		return cache.ErrNotConnected
	}
	return nil
}
