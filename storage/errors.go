package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by CreateRun when another run holds the
	// `running` state. The storage layer enforces this, not the process, so
	// the guarantee survives multiple trigger paths.
	ErrAlreadyRunning = errors.New("a scraper run is already in progress")

	// ErrNotFound is returned for lookups of rows that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable wraps errors that mean the storage backend itself is
	// unreachable, as opposed to a per-record fault.
	ErrUnavailable = errors.New("storage unavailable")
)

// UpsertError is a per-record storage fault (constraint violation, bad
// value). The coordinator counts these and keeps going; anything wrapping
// ErrUnavailable fails the whole run instead.
type UpsertError struct {
	ExternalID string
	Err        error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert campground %s: %v", e.ExternalID, e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }
