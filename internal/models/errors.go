package models

import "errors"

var (
	// ErrValidation marks malformed input. It is surfaced to the caller and never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("not found")
)
