package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spounge-ai/cashier/pkg/cache"
	"github.com/spounge-ai/cashier/pkg/patterns/circuitbreaker"
)

var (
	_ cache.Cache         = (*BreakerCache)(nil)
	_ cache.Reclaimer     = (*BreakerCache)(nil)
	_ cache.HealthChecker = (*BreakerCache)(nil)
)

type lookup struct {
	value string
	found bool
}

// BreakerCache adds a circuit breaker in front of a remote cache. All
// operations share one breaker, so a failing backend trips reads and writes
// together. While open, calls fail fast with cache.ErrBackend.
type BreakerCache struct {
	next    cache.Cache
	breaker *circuitbreaker.Breaker[lookup]
}

// BreakerOption configures the breaker of a BreakerCache.
type BreakerOption func(*[]circuitbreaker.Option[lookup])

// WithBreakerClock overrides the breaker's time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(opts *[]circuitbreaker.Option[lookup]) {
		*opts = append(*opts, circuitbreaker.WithClock[lookup](now))
	}
}

// WithBreakerStateChange registers a callback for breaker transitions.
func WithBreakerStateChange(fn func(from, to circuitbreaker.State)) BreakerOption {
	return func(opts *[]circuitbreaker.Option[lookup]) {
		*opts = append(*opts, circuitbreaker.WithStateChange[lookup](fn))
	}
}

// callerCanceled matches calls abandoned by the caller. They say nothing
// about the backend.
func callerCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// NewBreakerCache wraps next with a breaker that opens after maxFailures
// consecutive failures and probes again after resetTimeout.
func NewBreakerCache(next cache.Cache, maxFailures int, resetTimeout time.Duration, opts ...BreakerOption) *BreakerCache {
	cbOpts := []circuitbreaker.Option[lookup]{
		circuitbreaker.WithResetTimeout[lookup](resetTimeout),
		circuitbreaker.WithExcluded[lookup](callerCanceled),
	}
	for _, opt := range opts {
		opt(&cbOpts)
	}
	return &BreakerCache{
		next:    next,
		breaker: circuitbreaker.New(maxFailures, cbOpts...),
	}
}

// State reports the breaker state.
func (b *BreakerCache) State() circuitbreaker.State {
	return b.breaker.State()
}

// Unwrap returns the decorated cache.
func (b *BreakerCache) Unwrap() cache.Cache {
	return b.next
}

func (b *BreakerCache) Set(ctx context.Context, key, value string) error {
	return b.run(ctx, func(ctx context.Context) error {
		return b.next.Set(ctx, key, value)
	})
}

func (b *BreakerCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.run(ctx, func(ctx context.Context) error {
		return b.next.SetWithTTL(ctx, key, value, ttl)
	})
}

func (b *BreakerCache) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := b.breaker.Execute(ctx, func(ctx context.Context) (lookup, error) {
		value, found, err := b.next.Get(ctx, key)
		return lookup{value: value, found: found}, err
	})
	if err != nil {
		return "", false, openError(err)
	}
	return res.value, res.found, nil
}

func (b *BreakerCache) Delete(ctx context.Context, key string) error {
	return b.run(ctx, func(ctx context.Context) error {
		return b.next.Delete(ctx, key)
	})
}

func (b *BreakerCache) Clear(ctx context.Context) error {
	return b.run(ctx, b.next.Clear)
}

// DeleteExpired forwards to the wrapped cache when it supports reclamation.
func (b *BreakerCache) DeleteExpired(ctx context.Context) (int, error) {
	r, ok := b.next.(cache.Reclaimer)
	if !ok {
		return 0, nil
	}
	var n int
	err := b.run(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.DeleteExpired(ctx)
		return err
	})
	return n, err
}

// HealthCheck bypasses the breaker so a recovered backend is visible while
// the circuit is still open.
func (b *BreakerCache) HealthCheck(ctx context.Context) error {
	if hc, ok := b.next.(cache.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Close closes the wrapped cache if it holds resources.
func (b *BreakerCache) Close() error {
	if c, ok := b.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (b *BreakerCache) run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.breaker.Execute(ctx, func(ctx context.Context) (lookup, error) {
		return lookup{}, fn(ctx)
	})
	return openError(err)
}

func openError(err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", cache.ErrBackend, err)
	}
	return err
}
