package engine

import "errors"

// ErrorCode classifies engine failures for clients and for the wire
// protocol's error events.
type ErrorCode string

const (
	CodeInvalidQuery         ErrorCode = "invalid_query"
	CodePermissionDenied     ErrorCode = "permission_denied"
	CodeRetrievalUnavailable ErrorCode = "retrieval_unavailable"
	CodeSynthesisFailed      ErrorCode = "synthesis_failed"
	CodeCitationMapping      ErrorCode = "citation_mapping"
	CodeInternal             ErrorCode = "internal"

	// CodeCancelled never reaches clients; it marks audit records for
	// sessions cut short by disconnect or context cancellation.
	CodeCancelled ErrorCode = "cancelled"
)

// Sentinel errors returned before any event is emitted.
var (
	// ErrQueryTooShort and ErrQueryTooLong reject queries outside the
	// configured length bounds.
	ErrQueryTooShort = errors.New("query is empty")
	ErrQueryTooLong  = errors.New("query exceeds maximum length")

	// ErrNoCollections rejects a query whose principal has no permitted
	// collections. The permission layer fails closed, so this also
	// covers unknown principals.
	ErrNoCollections = errors.New("no permitted collections for principal")
)

// Error is a classified engine failure.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the ErrorCode from err, mapping sentinels and falling
// back to CodeInternal.
func CodeOf(err error) ErrorCode {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	switch {
	case errors.Is(err, ErrQueryTooShort), errors.Is(err, ErrQueryTooLong):
		return CodeInvalidQuery
	case errors.Is(err, ErrNoCollections):
		return CodePermissionDenied
	default:
		return CodeInternal
	}
}
