// Package models holds the types shared between the store, the playback
// engine and the HTTP surface.
package models

import (
	"errors"
	"fmt"
)

var (
	// ErrIO marks open/read/write/stat failures. The operation is aborted
	// and not retried.
	ErrIO = errors.New("io error")

	// ErrOutOfMemory is returned when a receive or response buffer would
	// exceed its bounded size.
	ErrOutOfMemory = errors.New("buffer limit exceeded")
)

// IOError wraps an underlying filesystem error so that errors.Is matches
// both ErrIO and the original cause (e.g. fs.ErrNotExist).
func IOError(op, path string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, path, ErrIO, err)
}
