package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateDigest is returned when a seed with the same source digest
// already exists for the target.
var ErrDuplicateDigest = errors.New("storage: duplicate source digest")
