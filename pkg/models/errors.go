package models

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure on the VM surface.
type ErrorKind string

const (
	// ErrBadRequest is malformed input; never retried.
	ErrBadRequest ErrorKind = "bad_request"
	// ErrBusy is the system-wide single-flight conflict; surfaced
	// immediately, never retried.
	ErrBusy ErrorKind = "busy"
	// ErrTimeout means the execution exceeded its deadline. Partial
	// output and diffs are still delivered.
	ErrTimeout ErrorKind = "timeout"
	// ErrExecution is a non-zero exit. Partial output and diffs are
	// still delivered.
	ErrExecution ErrorKind = "execution_error"
	// ErrUnreachable is a connection-level failure; the gateway retries
	// it through the cold-start path before surfacing.
	ErrUnreachable ErrorKind = "unreachable"
	// ErrGone means the referenced thread, artifact or repo is missing
	// or expired.
	ErrGone ErrorKind = "gone"
	// ErrThreadLimit means the thread session population cap is reached.
	ErrThreadLimit ErrorKind = "thread_limit"
)

// Error is the wire-level error shape returned by the VM server. Partial
// results ride along so the relay can still deliver them.
type Error struct {
	Kind        ErrorKind `json:"error"`
	Message     string    `json:"message"`
	Text        string    `json:"text,omitempty"`
	Diffs       string    `json:"diffs,omitempty"`
	DiffSummary string    `json:"diff_summary,omitempty"`
	Images      []Image   `json:"images,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a wire error with no partial payload.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps an error kind to its HTTP status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrBusy:
		return http.StatusConflict
	case ErrTimeout:
		return http.StatusRequestTimeout
	case ErrExecution:
		return http.StatusInternalServerError
	case ErrUnreachable:
		return http.StatusBadGateway
	case ErrGone:
		return http.StatusGone
	case ErrThreadLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// KindForStatus maps an HTTP status back to an error kind. Unknown
// statuses map to execution_error.
func KindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusConflict:
		return ErrBusy
	case http.StatusRequestTimeout:
		return ErrTimeout
	case http.StatusBadGateway:
		return ErrUnreachable
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThreadLimit
	default:
		return ErrExecution
	}
}
