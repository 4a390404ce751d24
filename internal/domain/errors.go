package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeInternalError         = "INTERNAL_ERROR"
	ErrCodeFilterInvalid         = "FILTER_INVALID"
	ErrCodeStoreUnavailable      = "STORE_UNAVAILABLE"
	ErrCodeEmbeddingUnavailable  = "EMBEDDING_UNAVAILABLE"
	ErrCodeGenerationUnavailable = "GENERATION_UNAVAILABLE"
	ErrCodeGovernanceViolation   = "GOVERNANCE_VIOLATION"
)

// Validation errors
var (
	ErrMissingRequiredField      = NewDomainError(ErrCodeValidation, "missing required field")
	ErrInvalidTier               = NewDomainError(ErrCodeValidation, "invalid tier")
	ErrInvalidRole               = NewDomainError(ErrCodeValidation, "invalid conversation role")
	ErrInvalidStrategy           = NewDomainError(ErrCodeValidation, "invalid chunking strategy")
	ErrInvalidEmbeddingJobStatus = NewDomainError(ErrCodeValidation, "invalid embedding job status")
	ErrDocumentEmpty             = NewDomainError(ErrCodeValidation, "document content is empty")
	ErrFilterInvalid             = NewDomainError(ErrCodeFilterInvalid, "invalid metadata filter")
)

// Not found errors
var (
	ErrItemNotFound = NewDomainError(ErrCodeNotFound, "knowledge item not found")
)

// Availability errors
var (
	ErrStoreUnavailable      = NewDomainError(ErrCodeStoreUnavailable, "store unavailable")
	ErrEmbeddingUnavailable  = NewDomainError(ErrCodeEmbeddingUnavailable, "embedding provider unavailable")
	ErrGenerationUnavailable = NewDomainError(ErrCodeGenerationUnavailable, "generation unavailable")
)

// Authorization errors
var (
	ErrInvalidAdminToken = NewDomainError(ErrCodeUnauthorized, "invalid admin token")
)

// StoreUnavailable wraps a backend failure so callers can retry it.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewDomainErrorWithCause(ErrCodeStoreUnavailable, op, err)
}

// FilterInvalid builds a FilterInvalid error naming the offending key.
func FilterInvalid(format string, args ...any) error {
	return NewDomainError(ErrCodeFilterInvalid, fmt.Sprintf(format, args...))
}

// IsCallerError reports whether err is a caller mistake that must never be retried.
func IsCallerError(err error) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	switch de.Code {
	case ErrCodeValidation, ErrCodeFilterInvalid, ErrCodeNotFound, ErrCodeUnauthorized:
		return true
	}
	return false
}

// CodeOf returns the DomainError code carried by err, or "" if none.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
