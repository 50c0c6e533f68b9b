package defect

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer of the mirror.
var (
	// ErrNoData is returned by every read operation until a first sync has
	// been published. It is distinct from an empty result set.
	ErrNoData = errors.New("defectmirror: no data, run a sync first")

	// ErrNotFound is returned when a defect id or a generation does not exist.
	ErrNotFound = errors.New("defectmirror: not found")

	// ErrSyncInProgress is returned when another sync holds the data directory.
	ErrSyncInProgress = errors.New("defectmirror: sync already in progress")

	// ErrPersistence matches any *PersistenceError via errors.Is.
	ErrPersistence = errors.New("defectmirror: persistence failure")

	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("defectmirror: invalid argument")
)

// PersistenceError reports an I/O failure while a generation was being
// written. The previously published generation is left untouched.
type PersistenceError struct {
	Step string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("defectmirror: write generation: %s: %v", e.Step, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersistence) match.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// ValidationError names the argument that was rejected.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("defectmirror: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("defectmirror: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a *ValidationError.
func Invalid(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}
