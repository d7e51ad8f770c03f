package ratelimit

import "errors"

var (
	// ErrRateLimited describes a denied action when a caller needs an error value.
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInvalidLimit  = errors.New("invalid limit")
	ErrInvalidWindow = errors.New("invalid window")
	ErrStoreRequired = errors.New("store is required")
)
