package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when creating a record whose id is already taken.
	ErrExists = errors.New("record already exists")
	// ErrConflict means a conditional update lost against a concurrent writer.
	ErrConflict = errors.New("revision conflict")
	// ErrInvalidRecord marks a record missing required fields.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrNoJobAvailable is the terminal claim outcome when nothing could be assigned.
	ErrNoJobAvailable = errors.New("no job available")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}
