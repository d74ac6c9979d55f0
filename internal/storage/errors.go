package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a guarded update matched no rows, e.g.
// a status transition raced with a terminal state.
var ErrConflict = errors.New("storage: conflict")
