package persistence

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spounge-ai/cashier/pkg/cache"
)

const defaultOperationTimeout = 3 * time.Second

type options struct {
	clock   cache.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a backend adapter.
type Option func(*options)

// WithClock sets the clock used to compute and check deadlines.
func WithClock(clock cache.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithOperationTimeout bounds every backend round-trip. Zero disables the bound.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		clock:   cache.SystemClock,
		timeout: defaultOperationTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// backendError marks err as a backend failure while keeping it in the chain.
func backendError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", cache.ErrBackend, op, err)
}

func notConfigured(format string, args ...any) error {
	return fmt.Errorf("%w: %s", cache.ErrNotConfigured, fmt.Sprintf(format, args...))
}
