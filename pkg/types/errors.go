package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies every failure the core can produce. Handlers and the
// intervention queue key their behavior off these codes.
type ErrorCode string

const (
	ErrorCodeFileAccess           ErrorCode = "FILE_ACCESS"
	ErrorCodeUnsupportedKind      ErrorCode = "UNSUPPORTED_KIND"
	ErrorCodeDecodeFailed         ErrorCode = "DECODE_FAILED"
	ErrorCodeToolInit             ErrorCode = "TOOL_INIT"
	ErrorCodeProviderTransient    ErrorCode = "PROVIDER_TRANSIENT"
	ErrorCodeProviderQuotaOrAuth  ErrorCode = "PROVIDER_QUOTA_OR_AUTH"
	ErrorCodeTimeout              ErrorCode = "TIMEOUT"
	ErrorCodeCancelled            ErrorCode = "CANCELLED"
	ErrorCodeCircuitOpen          ErrorCode = "CIRCUIT_OPEN"
	ErrorCodeBatchAggregate       ErrorCode = "BATCH_AGGREGATE"
	ErrorCodeTagExtraction        ErrorCode = "TAG_EXTRACTION"
	ErrorCodeConfiguration        ErrorCode = "CONFIGURATION"
	ErrorCodeFallbackExhausted    ErrorCode = "FALLBACK_EXHAUSTED"
	ErrorCodeConversationArchived ErrorCode = "CONVERSATION_ARCHIVED"
	ErrorCodePersistence          ErrorCode = "PERSISTENCE"
)

// CoreError carries a semantic code alongside the wrapped cause.
type CoreError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// NewError creates a CoreError.
func NewError(code ErrorCode, message string, cause error) *CoreError {
	return &CoreError{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from an error chain. Plain errors without a
// CoreError in the chain yield the empty code.
func CodeOf(err error) ErrorCode {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if errors.Is(err, ErrConversationArchived) {
		return ErrorCodeConversationArchived
	}
	return ""
}

// Sentinel errors for conditions callers branch on.
var (
	ErrFileMissing          = errors.New("file missing")
	ErrUnreadable           = errors.New("file unreadable")
	ErrUnsupportedKind      = errors.New("unsupported document kind")
	ErrDecodeFailed         = errors.New("decode failed")
	ErrConversationArchived = errors.New("conversation archived")
	ErrCacheMiss            = errors.New("cache miss")
)

// BatchAggregateError accumulates chunk-level failures inside a batch without
// aborting the batch.
type BatchAggregateError struct {
	Failures []error
}

func (e *BatchAggregateError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("batch aggregate: %d failures: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Append records another failure, returning the receiver for chaining.
func (e *BatchAggregateError) Append(err error) *BatchAggregateError {
	e.Failures = append(e.Failures, err)
	return e
}

// Empty reports whether any failure was recorded.
func (e *BatchAggregateError) Empty() bool { return len(e.Failures) == 0 }
