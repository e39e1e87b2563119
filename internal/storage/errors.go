package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write would violate a uniqueness or state
// constraint, such as opening a second active run for a session.
var ErrConflict = errors.New("storage: conflict")

// ErrRunClosed is returned when writing to a run that is already terminal.
var ErrRunClosed = errors.New("storage: run already closed")
