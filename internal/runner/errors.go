package runner

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ChuLiYu/stepcache/internal/cache"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

// ErrorCode is stored as the cache entry's error code.
type ErrorCode string

const (
	CodePreviousStepError                ErrorCode = "PreviousStepError"
	CodePreviousStepFormatError          ErrorCode = "PreviousStepFormatError"
	CodePreviousStepNotReady             ErrorCode = "PreviousStepNotReady"
	CodePreviousStepStale                ErrorCode = "PreviousStepStale"
	CodeTooBigContentError               ErrorCode = "TooBigContentError"
	CodeNoIndexableColumnsError          ErrorCode = "NoIndexableColumnsError"
	CodeUnsupportedIndexableColumnsError ErrorCode = "UnsupportedIndexableColumnsError"
	CodeFileSystemError                  ErrorCode = "FileSystemError"
	CodeUnexpectedError                  ErrorCode = "UnexpectedError"
)

// Error is a failure a runner recognizes. It becomes the cached answer of
// the step instead of crashing the worker.
type Error struct {
	Code       ErrorCode
	StatusCode int
	Message    string
	Cause      error
	// DiscloseCause puts the cause in the client-facing content. When false
	// the cause only appears in Details.
	DiscloseCause bool

	upstream *cache.BestResponse
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// CacheErrorCode is the error code to store. A PreviousStepError keeps the
// upstream code so the original reason survives down the graph.
func (e *Error) CacheErrorCode() string {
	if e.upstream != nil && e.upstream.Entry.ErrorCode != "" {
		return e.upstream.Entry.ErrorCode
	}
	return string(e.Code)
}

// Response is the content stored in the cache for clients.
func (e *Error) Response() any {
	if e.upstream != nil && len(e.upstream.Entry.Content) > 0 {
		return []byte(e.upstream.Entry.Content)
	}
	resp := map[string]any{"error": e.Message}
	if e.DiscloseCause && e.Cause != nil {
		resp["cause_exception"] = causeName(e.Cause)
		resp["cause_message"] = e.Cause.Error()
	}
	return resp
}

// Details is the operator-facing record, always with the cause.
func (e *Error) Details() map[string]any {
	details := map[string]any{
		"error":      e.Message,
		"error_code": string(e.Code),
	}
	if e.Cause != nil {
		details["cause_exception"] = causeName(e.Cause)
		details["cause_message"] = e.Cause.Error()
	}
	if e.upstream != nil {
		entry := e.upstream.Entry
		details["copied_from_artifact"] = map[string]any{
			"kind":    e.upstream.Kind,
			"dataset": entry.Key.Dataset,
			"config":  entry.Key.Config,
			"split":   entry.Key.Split,
		}
		if len(entry.Details) > 0 {
			details["upstream_details"] = entry.Details
		}
	}
	return details
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// causeName is the type name of the cause, e.g. "*fs.PathError".
func causeName(err error) string {
	return fmt.Sprintf("%T", err)
}

// NewPreviousStepError copies a failed upstream answer: its status, code
// and content are what this step reports.
func NewPreviousStepError(upstream *cache.BestResponse) *Error {
	return &Error{
		Code:       CodePreviousStepError,
		StatusCode: upstream.Entry.HTTPStatus,
		Message:    "The previous step failed.",
		upstream:   upstream,
	}
}

func NewPreviousStepFormatError(message string, cause error) *Error {
	if message == "" {
		message = "Previous step did not return the expected content."
	}
	return &Error{
		Code:       CodePreviousStepFormatError,
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Cause:      cause,
	}
}

func NewPreviousStepNotReady(kinds []string, key types.PartitionKey) *Error {
	return &Error{
		Code:       CodePreviousStepNotReady,
		StatusCode: http.StatusInternalServerError,
		Message:    fmt.Sprintf("The previous step %v has no result yet for %s.", kinds, describe(key)),
	}
}

func NewPreviousStepStale(kind string, have, want int) *Error {
	return &Error{
		Code:       CodePreviousStepStale,
		StatusCode: http.StatusInternalServerError,
		Message:    fmt.Sprintf("The previous step %s is outdated (version %d, expected %d).", kind, have, want),
	}
}

func NewTooBigContentError(message string) *Error {
	return &Error{
		Code:          CodeTooBigContentError,
		StatusCode:    http.StatusNotImplemented,
		Message:       message,
		DiscloseCause: true,
	}
}

func NewNoIndexableColumnsError(message string) *Error {
	return &Error{
		Code:          CodeNoIndexableColumnsError,
		StatusCode:    http.StatusNotImplemented,
		Message:       message,
		DiscloseCause: true,
	}
}

func NewUnsupportedIndexableColumnsError(message string) *Error {
	return &Error{
		Code:          CodeUnsupportedIndexableColumnsError,
		StatusCode:    http.StatusNotImplemented,
		Message:       message,
		DiscloseCause: true,
	}
}

func NewFileSystemError(message string, cause error) *Error {
	return &Error{
		Code:       CodeFileSystemError,
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Cause:      cause,
	}
}

// NewUnexpectedError wraps a failure no runner recognized. Its cause is
// never disclosed.
func NewUnexpectedError(cause error) *Error {
	return &Error{
		Code:       CodeUnexpectedError,
		StatusCode: http.StatusInternalServerError,
		Message:    "Unexpected error.",
		Cause:      cause,
	}
}

func describe(key types.PartitionKey) string {
	s := "dataset=" + key.Dataset
	if key.Config != "" {
		s += " config=" + key.Config
	}
	if key.Split != "" {
		s += " split=" + key.Split
	}
	return s
}
