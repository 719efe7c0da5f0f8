package store

import "errors"

var (
	// ErrNotFound is returned when a write targets a document that doesn't
	// exist. Reads report absence as a false found flag instead.
	ErrNotFound = errors.New("strata: document not found")

	// ErrAlreadyExists is returned when creating a document with an existing ID.
	ErrAlreadyExists = errors.New("strata: document already exists")

	// ErrConcurrentModification is returned when optimistic lock fails (version mismatch).
	ErrConcurrentModification = errors.New("strata: document was modified concurrently")

	// ErrConfiguration is returned by New when a type or endpoint is not configured.
	ErrConfiguration = errors.New("strata: invalid configuration")
)
