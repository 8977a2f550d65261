package backend

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned (wrapped in a RepositoryError) when a row does not
// exist for the requested owner scope.
var ErrNotFound = errors.New("not found")

// ErrInvalidPayload is returned when an outbox payload does not match its operation.
var ErrInvalidPayload = errors.New("invalid outbox payload")

// MigrationError reports a schema migration that failed and was rolled back.
type MigrationError struct {
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("schema migration %d failed: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// RepositoryError wraps a store failure with the repository operation name.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// WrapRepo wraps err in a RepositoryError. A nil err stays nil.
func WrapRepo(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryError{Op: op, Err: err}
}

// TransactionError reports a service transaction that was rolled back.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s rolled back: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// SyncTransientError is a sync failure worth retrying later (network, 5xx).
type SyncTransientError struct {
	OperationID int64
	StatusCode  int // 0 when no response was received
	Err         error
}

func (e *SyncTransientError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("operation %d: no response: %v", e.OperationID, e.Err)
	}
	return fmt.Sprintf("operation %d: server returned %d: %v", e.OperationID, e.StatusCode, e.Err)
}

func (e *SyncTransientError) Unwrap() error { return e.Err }

// SyncPermanentError is a sync failure that will not be retried automatically
// (4xx, missing endpoint).
type SyncPermanentError struct {
	OperationID int64
	StatusCode  int // 0 for configuration errors
	Err         error
}

func (e *SyncPermanentError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("operation %d: %v", e.OperationID, e.Err)
	}
	return fmt.Sprintf("operation %d: rejected with %d: %v", e.OperationID, e.StatusCode, e.Err)
}

func (e *SyncPermanentError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
