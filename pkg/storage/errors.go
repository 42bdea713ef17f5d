package storage

import "errors"

// ErrNotFound is returned when no record exists for a correlation id.
var ErrNotFound = errors.New("invocation record not found")
