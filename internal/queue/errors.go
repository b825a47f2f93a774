package queue

import "errors"

var (
	// ErrStoreUnavailable reports a transient backend failure. Callers may retry.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrNotFound reports an operation on a fingerprint with no live record.
	ErrNotFound = errors.New("queue: not found")
	// ErrLeaseLost reports that the caller no longer holds the lease it named.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrInvalidScope reports a scope name that cannot be used as a key prefix.
	ErrInvalidScope = errors.New("queue: invalid scope")
	// ErrClosed reports use of a closed Driver.
	ErrClosed = errors.New("queue: driver closed")
)
