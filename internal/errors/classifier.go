package errors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spounge-ai/cashier/pkg/cache"
)

type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassUsage
	ClassValidation
	ClassNotConfigured
	ClassNotConnected
	ClassSynchronization
	ClassBackend
	ClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassUsage:
		return "usage"
	case ClassValidation:
		return "validation"
	case ClassNotConfigured:
		return "not_configured"
	case ClassNotConnected:
		return "not_connected"
	case ClassSynchronization:
		return "synchronization"
	case ClassBackend:
		return "backend"
	case ClassCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

type ClassifiedError struct {
	Class         ErrorClass
	InternalError error
	ClientMessage string
	OperationName string
}

func (e *ClassifiedError) Error() string {
	return e.ClientMessage
}

func (e *ClassifiedError) Unwrap() error {
	return e.InternalError
}

// ExitCode maps the class to a sysexits-style process exit status. Status 1
// is left free for commands such as get to report a miss.
func (e *ClassifiedError) ExitCode() int {
	switch e.Class {
	case ClassUsage:
		return 64
	case ClassValidation, ClassNotConfigured:
		return 78
	case ClassNotConnected, ClassBackend:
		return 69
	case ClassCanceled:
		return 130
	default:
		return 70
	}
}

type ErrorClassifier struct {
	logger *slog.Logger
}

func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorClassifier{logger: logger}
}

func (ec *ErrorClassifier) Classify(err error, operation string) *ClassifiedError {
	classified := &ClassifiedError{InternalError: err, OperationName: operation}

	switch {
	case errors.Is(err, ErrUsage):
		classified.Class = ClassUsage
		classified.ClientMessage = err.Error()
	case errors.Is(err, ErrInvalidInput):
		classified.Class = ClassValidation
		classified.ClientMessage = "The request contains invalid parameters"
	case errors.Is(err, cache.ErrNotConfigured):
		classified.Class = ClassNotConfigured
		classified.ClientMessage = "The cache backend is not configured correctly"
	case errors.Is(err, cache.ErrNotConnected):
		classified.Class = ClassNotConnected
		classified.ClientMessage = "The cache backend is not connected"
	case errors.Is(err, cache.ErrSynchronization):
		classified.Class = ClassSynchronization
		classified.ClientMessage = "The cache is unusable after an internal failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		classified.Class = ClassCanceled
		classified.ClientMessage = "The operation was canceled or timed out"
	case errors.Is(err, cache.ErrBackend):
		classified.Class = ClassBackend
		classified.ClientMessage = "The cache backend failed. Please try again later"
	default:
		classified.Class = ClassInternal
		classified.ClientMessage = "An unexpected internal error occurred"
	}

	return classified
}

// LogAndSanitize logs the full error and returns it with a message that is
// safe to show to users. Backend details stay in the log.
func (ec *ErrorClassifier) LogAndSanitize(ctx context.Context, classified *ClassifiedError) *ClassifiedError {
	ec.logger.ErrorContext(ctx, "operation failed",
		"operation", classified.OperationName,
		"error_class", classified.Class.String(),
		"internal_error", classified.InternalError.Error(),
	)
	return classified
}
