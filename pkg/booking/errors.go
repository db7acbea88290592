package booking

import (
	"errors"
	"fmt"
	"strings"

	"subrent/pkg/dates"
)

var (
	ErrNotFound     = errors.New("rental not found")
	ErrUnauthorized = errors.New("not the owner of this rental")
)

// ValidationError is a user-correctable problem with the input. It is
// returned before any store access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConflictError means the request clashes with existing rentals. When Days
// is empty the subdomain itself belongs to another owner.
type ConflictError struct {
	Subdomain string
	Days      []dates.DayKey
}

func (e *ConflictError) Error() string {
	if len(e.Days) == 0 {
		return fmt.Sprintf("subdomain %q is already taken", e.Subdomain)
	}
	return fmt.Sprintf("subdomain %q is already booked on %s",
		e.Subdomain, strings.Join(dates.Strings(e.Days), ", "))
}

// StorageError wraps a store failure unrelated to data conflicts. Callers
// should retry the whole operation later.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage failure: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
