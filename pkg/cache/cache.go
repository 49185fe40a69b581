// Package cache defines the key-value caching contract shared by every
// storage backend, and the in-process Memory store that implements it with
// lazy, read-time expiration.
package cache

import (
	"context"
	"time"
)

// Reader defines the read-only operations for a cache.
type Reader interface {
	// Get returns the value stored under key and true if the entry exists
	// and is live. A key that was never set, was deleted, was cleared or has
	// expired yields "", false and a nil error.
	Get(ctx context.Context, key string) (string, bool, error)
}

// Writer defines the mutating operations for a cache.
type Writer interface {
	// Set stores value under key with no deadline, replacing any previous
	// entry and clearing its deadline.
	Set(ctx context.Context, key, value string) error
	// SetWithTTL stores value under key with a deadline of now+ttl.
	// A ttl of zero (or less) makes the entry expire on the next read.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// Cache is the contract every backend implements with identical observable
// behavior. Implementations are safe for concurrent use.
type Cache interface {
	Reader
	Writer
}

// HealthChecker is implemented by backends that hold a connection.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Reclaimer is implemented by backends able to physically remove entries
// whose deadline has passed. Reclaiming never changes what Get observes.
type Reclaimer interface {
	DeleteExpired(ctx context.Context) (int, error)
}
