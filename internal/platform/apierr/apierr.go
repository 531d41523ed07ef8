package apierr

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRateLimited is surfaced immediately and never retried.
	ErrRateLimited = errors.New("rate limited")
	// ErrBelowThreshold marks a memory candidate under the persistence floor.
	ErrBelowThreshold = errors.New("confidence below persistence floor")
)
