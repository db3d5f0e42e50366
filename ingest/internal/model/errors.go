package model

import (
	"context"
	"errors"
	"fmt"
)

// Stable error codes carried in ErrorPayload.Code. Callers branch on these,
// never on messages.
const (
	CodeEmptyURL         = "EMPTY_URL"
	CodeInvalidURLFormat = "INVALID_URL_FORMAT"
	CodeInvalidScheme    = "INVALID_SCHEME"
	CodeCredentialsInURL = "CREDENTIALS_IN_URL"
	CodeMissingHost      = "MISSING_HOST"
	CodeSSRFBlocked      = "SSRF_BLOCKED"
	CodeCircuitOpen      = "CIRCUIT_BREAKER_OPEN"
	CodeFetchFailed      = "FETCH_FAILED"
	CodeFetchHTTPError   = "FETCH_HTTP_ERROR"
	CodeContentTooLarge  = "CONTENT_TOO_LARGE"

	CodeInvalidPayload      = "INVALID_PAYLOAD"
	CodeExtractionFailed    = "EXTRACTION_FAILED"
	CodeLLMExtractionFailed = "LLM_EXTRACTION_FAILED"
	CodeLLMUnavailable      = "LLM_UNAVAILABLE"
	CodeValidationFailed    = "VALIDATION_FAILED"

	CodeUnknownProvider  = "UNKNOWN_SEARCH_PROVIDER"
	CodeDisabledProvider = "DISABLED_SEARCH_PROVIDER"
	CodeSearchFailed     = "SEARCH_FAILED"
	CodeNoCandidates     = "NO_CANDIDATES"

	CodeRecipeNotFound      = "RECIPE_NOT_FOUND"
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodeInvalidState        = "INVALID_STATE"
	CodeDraftExpired        = "DRAFT_EXPIRED"
	CodeCommitConflict      = "COMMIT_CONFLICT"
	CodeAlreadyCommitted    = "ALREADY_COMMITTED"
	CodeParaphraseViolation = "PARAPHRASE_VIOLATION"
	CodeInvalidEdit         = "INVALID_EDIT"
	CodeInvalidPatch        = "INVALID_PATCH"

	CodeCancelled = "CANCELLED"
	CodeInternal  = "INTERNAL"
)

// Error is the typed error every pipeline component returns for a condition
// with a stable code.
type Error struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Message == "" && t.Err == nil
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause.
func Wrap(code string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithDetail returns e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the stable code of err: the code of the first *Error in the
// chain, CANCELLED for context cancellation, INTERNAL otherwise.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeInternal
}

// ErrorPayload is the wire form of a failure, stored on TaskState.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Phase   Phase          `json:"phase,omitempty"`
}

// Payload converts err into an ErrorPayload stamped with phase.
func Payload(err error, phase Phase) *ErrorPayload {
	if err == nil {
		return nil
	}
	p := &ErrorPayload{Code: CodeOf(err), Message: err.Error(), Phase: phase}
	var e *Error
	if errors.As(err, &e) {
		p.Message = e.Message
		if e.Err != nil {
			p.Message = e.Message + ": " + e.Err.Error()
		}
		p.Details = e.Details
	}
	return p
}
