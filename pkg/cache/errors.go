package cache

import "errors"

var (
	// ErrNotConfigured is returned when a backend handle is missing required
	// setup, such as a table name or a client.
	ErrNotConfigured = errors.New("cache: not configured")

	// ErrNotConnected is returned when a backend has no live connection,
	// including after Close.
	ErrNotConnected = errors.New("cache: not connected")

	// ErrSynchronization is returned when the in-process store's lock is in
	// an invalid state after a panic inside a critical section.
	ErrSynchronization = errors.New("cache: synchronization failure")

	// ErrBackend wraps transport and protocol failures reported by a remote
	// backend. The original error remains in the chain.
	ErrBackend = errors.New("cache: backend failure")
)
