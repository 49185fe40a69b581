package postgres

import "errors"

// ErrNoPool is returned when the client was built without a pool.
var ErrNoPool = errors.New("postgres: no connection pool")
