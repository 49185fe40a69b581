package errors

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUsage        = errors.New("invalid usage")
)
