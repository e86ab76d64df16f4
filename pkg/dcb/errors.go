package dcb

import (
	"errors"
	"fmt"
)

type (

	// EventStoreError represents a base error type for event store operations
	EventStoreError struct {
		Op  string // Operation that failed
		Err error  // The underlying error
	}

	// ValidationError represents an error in event or query validation
	ValidationError struct {
		EventStoreError
		Field string // The field that failed validation
		Value string // The invalid value
	}

	// ConcurrencyError is returned when the state-changed check of an
	// append condition fails: an event matching the condition's query
	// was committed past the after cursor. The caller may re-project
	// state and retry.
	ConcurrencyError struct {
		EventStoreError
	}

	// IdempotencyError is returned when the already-exists check of an
	// append condition fails: the requested effect is already present.
	// Callers should treat this as success.
	IdempotencyError struct {
		EventStoreError
	}

	// DomainError wraps a command handler failure. The transaction is
	// rolled back and no events are stored.
	DomainError struct {
		EventStoreError
		CommandType string
	}

	// ResourceError represents an infrastructure failure: database,
	// network, or serialization.
	ResourceError struct {
		EventStoreError
		Resource string // The resource that caused the error
	}

	// TableNotFoundError is surfaced when a required table does not
	// exist yet, typically because migrations have not run.
	TableNotFoundError struct {
		EventStoreError
		TableName string
	}
)

// Error implements the error interface
func (e EventStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

// Unwrap returns the underlying error
func (e EventStoreError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Error Detection Helpers
// =============================================================================

// IsValidationError checks if the error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsConcurrencyError checks if the error is a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr)
}

// IsIdempotencyError checks if the error is an IdempotencyError
func IsIdempotencyError(err error) bool {
	var idempotencyErr *IdempotencyError
	return errors.As(err, &idempotencyErr)
}

// IsDomainError checks if the error is a DomainError
func IsDomainError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr)
}

// IsResourceError checks if the error is a ResourceError
func IsResourceError(err error) bool {
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}

// IsTableNotFoundError checks if the error is a TableNotFoundError
func IsTableNotFoundError(err error) bool {
	var tableErr *TableNotFoundError
	return errors.As(err, &tableErr)
}

// =============================================================================
// Error Extraction Helpers
// =============================================================================

// AsConcurrencyError extracts a ConcurrencyError from the error chain
func AsConcurrencyError(err error) (*ConcurrencyError, bool) {
	var concurrencyErr *ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		return concurrencyErr, true
	}
	return nil, false
}

// AsIdempotencyError extracts an IdempotencyError from the error chain
func AsIdempotencyError(err error) (*IdempotencyError, bool) {
	var idempotencyErr *IdempotencyError
	if errors.As(err, &idempotencyErr) {
		return idempotencyErr, true
	}
	return nil, false
}

// AsDomainError extracts a DomainError from the error chain
func AsDomainError(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// AsValidationError extracts a ValidationError from the error chain
func AsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}
