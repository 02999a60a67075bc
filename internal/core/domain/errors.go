package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a business error with a structured error code.
//
// Codes follow the format KV-<AREA>-<NNNN>. The numeric part mirrors the
// closest HTTP status so clients can bucket failures without a lookup table.
type DomainError struct {
	Code    string // Error code (e.g., "KV-DATA-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support. Two DomainErrors match when their
// codes match.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// Wrap wraps cause and copies its message into Details.
func (e *DomainError) Wrap(cause error) *DomainError {
	if cause == nil {
		return e
	}
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: cause.Error(),
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Authentication Errors (AUTH)
// ============================================================================

var (
	// ErrAuthenticationFailed indicates the peer did not present a client
	// certificate signed by the configured CA. It is only ever logged: the
	// connection is dropped before a session exists.
	ErrAuthenticationFailed = NewDomainError("KV-AUTH-4010", "client certificate rejected")

	// ErrLoginRequired indicates the identity has a password and the
	// session has not logged in yet.
	ErrLoginRequired = NewDomainError("KV-AUTH-4011", "login required")

	// ErrInvalidCredentials indicates a failed LOGIN.
	ErrInvalidCredentials = NewDomainError("KV-AUTH-4012", "invalid credentials")

	// ErrIdentityNotAllowed indicates a verified certificate whose identity
	// is not listed in the users file.
	ErrIdentityNotAllowed = NewDomainError("KV-AUTH-4030", "identity not allowed")

	// ErrIPNotAllowed indicates the client address is outside the allowlist.
	ErrIPNotAllowed = NewDomainError("KV-AUTH-4031", "client address not allowed")
)

// ============================================================================
// Request Errors (REQ)
// ============================================================================

var (
	// ErrMalformedRequest indicates the message bytes could not be decoded.
	ErrMalformedRequest = NewDomainError("KV-REQ-4000", "malformed request")

	// ErrInvalidArgument indicates a well-formed request carried a bad argument.
	ErrInvalidArgument = NewDomainError("KV-REQ-4001", "invalid argument")

	// ErrUnknownCommand indicates the operation name is not recognised.
	ErrUnknownCommand = NewDomainError("KV-REQ-4040", "unknown command")

	// ErrRateLimited indicates the session exceeded its command rate.
	ErrRateLimited = NewDomainError("KV-REQ-4290", "rate limit exceeded")
)

// ============================================================================
// Data Errors (DATA)
// ============================================================================

var (
	// ErrKeyNotFound indicates a get/delete miss. Details carry the key.
	ErrKeyNotFound = NewDomainError("KV-DATA-4040", "key not found")

	// ErrTableNotFound indicates the named table does not exist.
	ErrTableNotFound = NewDomainError("KV-DATA-4041", "table not found")

	// ErrInvalidTableName indicates a table name outside the identifier charset.
	ErrInvalidTableName = NewDomainError("KV-DATA-4001", "invalid table name")

	// ErrProtectedTable indicates an attempt to drop the default table.
	ErrProtectedTable = NewDomainError("KV-DATA-4030", "table cannot be dropped")
)

// ============================================================================
// Cursor Errors (CUR)
// ============================================================================

var (
	// ErrNoActiveCursor indicates "next" was issued with nothing to page.
	ErrNoActiveCursor = NewDomainError("KV-CUR-4040", "no active cursor")
)

// ============================================================================
// Engine / System Errors (ENG, PERS, SRV)
// ============================================================================

var (
	// ErrEngine indicates the storage substrate rejected an operation.
	// The engine's message is surfaced verbatim in Details.
	ErrEngine = NewDomainError("KV-ENG-5000", "engine error")

	// ErrCommandTimeout indicates a command exceeded the execution budget.
	ErrCommandTimeout = NewDomainError("KV-ENG-5040", "command timed out")

	// ErrPersistence indicates a snapshot read or write failure.
	ErrPersistence = NewDomainError("KV-PERS-5000", "persistence error")

	// ErrServerClosing indicates the command queue no longer accepts work.
	ErrServerClosing = NewDomainError("KV-SRV-5030", "server is shutting down")

	// ErrInternal indicates an unexpected failure (including recovered panics).
	ErrInternal = NewDomainError("KV-SRV-5000", "internal error")
)
