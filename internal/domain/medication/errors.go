package medication

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when an operation is refused before any
	// mutation because an argument is malformed or out of range.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned for an unknown medication id. It is a kind of
	// invalid input, so errors.Is(err, ErrInvalidInput) also holds.
	ErrNotFound = fmt.Errorf("%w: medication not found", ErrInvalidInput)
)

// StorageError wraps a failure of the persistence layer so callers can tell
// it apart from validation failures and retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err unless it already carries a taxonomy kind.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidInput}, args...)...)
}
