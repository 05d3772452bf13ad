package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/remote"
)

// ErrorClass categorizes sync failures.
type ErrorClass string

const (
	// ClassTransient covers network errors, timeouts, 5xx/429 and error
	// results from the server. The item is retried with backoff.
	ClassTransient ErrorClass = "transient"

	// ClassConflict means the remote rejected the mutation because the
	// target changed. The item is poisoned and never retried.
	ClassConflict ErrorClass = "conflict"

	// ClassMalformed means the response was neither success, conflict nor
	// error. Counted against retries like a transient failure.
	ClassMalformed ErrorClass = "malformed"

	// ClassPullFailed covers every failed delta pull.
	ClassPullFailed ErrorClass = "pull_failed"

	// ClassStore covers local persistence failures.
	ClassStore ErrorClass = "store"
)

// SyncError is a classified failure of one item or one pull.
type SyncError struct {
	Class ErrorClass

	// ItemID identifies the queue item, for drain failures.
	ItemID string

	// Scope is the cursor key, for pull failures.
	Scope string

	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.ItemID != "":
		return fmt.Sprintf("%s: %v (item=%s)", e.Class, e.Err, e.ItemID)
	case e.Scope != "":
		return fmt.Sprintf("%s: %v (scope=%s)", e.Class, e.Err, e.Scope)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Classify maps an error from the remote client to a class.
// Uses errors.As to handle wrapped errors.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, remote.ErrMalformed) {
		return ClassMalformed
	}
	// Timeouts, transport failures and 5xx/429 statuses are retried.
	return ClassTransient
}

// IsTransient returns true if the error should be retried with backoff.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsMalformed returns true if the error came from an undecodable response.
func IsMalformed(err error) bool {
	return Classify(err) == ClassMalformed
}

// IsConflict returns true if the error is a recorded version conflict.
func IsConflict(err error) bool {
	return Classify(err) == ClassConflict
}
