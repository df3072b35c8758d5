package storage

import "errors"

var (
	// ErrNotFound is returned when a query or entity is not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed is returned when connection to storage fails.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrClosed is returned when attempting to use a closed store.
	ErrClosed = errors.New("store is closed")
)
