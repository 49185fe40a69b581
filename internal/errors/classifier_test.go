package errors_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/spounge-ai/cashier/internal/errors"
	"github.com/spounge-ai/cashier/pkg/cache"
)

func TestClassify(t *testing.T) {
	ec := apperrors.NewErrorClassifier(nil)

	tests := []struct {
		name  string
		err   error
		class apperrors.ErrorClass
		exit  int
	}{
		{"usage", fmt.Errorf("%w: missing key", apperrors.ErrUsage), apperrors.ClassUsage, 64},
		{"validation", fmt.Errorf("%w: ttl", apperrors.ErrInvalidInput), apperrors.ClassValidation, 78},
		{"not configured", fmt.Errorf("%w: no url", cache.ErrNotConfigured), apperrors.ClassNotConfigured, 78},
		{"not connected", cache.ErrNotConnected, apperrors.ClassNotConnected, 69},
		{"poisoned", cache.ErrSynchronization, apperrors.ClassSynchronization, 70},
		{"backend", fmt.Errorf("%w: get: %w", cache.ErrBackend, errors.New("EOF")), apperrors.ClassBackend, 69},
		{"timeout", fmt.Errorf("%w: get: %w", cache.ErrBackend, context.DeadlineExceeded), apperrors.ClassCanceled, 130},
		{"unknown", errors.New("boom"), apperrors.ClassInternal, 70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ec.Classify(tt.err, "get")
			assert.Equal(t, tt.class, classified.Class)
			assert.Equal(t, tt.exit, classified.ExitCode())
			assert.ErrorIs(t, classified, tt.err)
			assert.NotEmpty(t, classified.Error())
		})
	}
}

func TestLogAndSanitize_HidesBackendDetail(t *testing.T) {
	var buf bytes.Buffer
	ec := apperrors.NewErrorClassifier(slog.New(slog.NewTextHandler(&buf, nil)))

	secret := errors.New("dial tcp 10.0.0.7:5432: password authentication failed for user admin")
	classified := ec.LogAndSanitize(context.Background(), ec.Classify(fmt.Errorf("%w: ping: %w", cache.ErrBackend, secret), "health"))

	assert.NotContains(t, classified.Error(), "10.0.0.7")
	assert.Contains(t, buf.String(), "10.0.0.7")
	assert.Contains(t, buf.String(), "error_class=backend")
	assert.Contains(t, buf.String(), "operation=health")
}
