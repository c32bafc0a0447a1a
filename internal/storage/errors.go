package storage

import "errors"

var (
	ErrDisabled = errors.New("storage disabled")

	// ErrNotFound reports that the addressed record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate reports a uniqueness violation, e.g. adding an
	// exception date that is already present for the pattern.
	ErrDuplicate = errors.New("storage: duplicate")

	// ErrPersistence wraps driver-level failures. Operations failing
	// with it left no partial state behind and are safe to retry.
	ErrPersistence = errors.New("storage: persistence failure")
)
