package importer

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("import batch not found")

// InvalidStateError rejects an operation not permitted in the batch's current
// lifecycle state.
type InvalidStateError struct {
	Status    Status
	Operation string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s a batch in status %s", e.Operation, e.Status)
}

func IsInvalidState(err error) bool {
	var ise InvalidStateError
	return errors.As(err, &ise)
}

// ConflictError means another import already holds the tenant's lock.
// BlockingFilename is best-effort and may be empty.
type ConflictError struct {
	BlockingFilename string
}

func (e ConflictError) Error() string {
	if e.BlockingFilename != "" {
		return fmt.Sprintf("another import is already running for this tenant (%s)", e.BlockingFilename)
	}
	return "another import is already running for this tenant"
}

func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// ValidationError marks user-correctable request problems.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
