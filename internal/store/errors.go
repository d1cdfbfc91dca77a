package store

import "errors"

// Error kinds. Returned errors wrap one of these; test with errors.Is.
var (
	// ErrProvider means the embedding provider failed or returned an unusable vector.
	ErrProvider = errors.New("embedding provider error")
	// ErrStorage means the database could not be read or written.
	ErrStorage = errors.New("storage error")
	// ErrIntegrity means a persisted row could not be decoded.
	ErrIntegrity = errors.New("integrity error")
	// ErrValidation means the caller passed invalid parameters.
	ErrValidation = errors.New("validation error")
	// ErrNotFound means no record has the requested id.
	ErrNotFound = errors.New("memory not found")
	// ErrModelMismatch means the store was created with a different embedding model.
	ErrModelMismatch = errors.New("embedding model mismatch")
)
