package chat

import (
	"fmt"
	"net/http"
	"time"
)

// Error codes returned before a stream starts
const (
	CodeInvalidRequest  = "invalid_request"
	CodeConfiguration   = "configuration"
	CodeSessionLocked   = "session_locked"
	CodeHistoryConflict = "history_conflict"
	CodeInternal        = "internal"
)

// Error is a request failure that happened before any byte of the stream
// was written. Status is the HTTP status to answer with.
type Error struct {
	Status  int
	Code    string
	Message string

	OwnerRequestID string
	ExpiresAt      time.Time
	Version        int64

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Body is the JSON response for the error
func (e *Error) Body() map[string]interface{} {
	body := map[string]interface{}{"error": e.Code}
	if e.Message != "" {
		body["message"] = e.Message
	}
	switch e.Code {
	case CodeSessionLocked:
		body["ownerRequestId"] = e.OwnerRequestID
		body["expiresAt"] = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	case CodeHistoryConflict:
		body["version"] = e.Version
	}
	return body
}

func invalid(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: msg}
}

// msgStoreUnavailable answers store failures before anything was streamed
const msgStoreUnavailable = "The conversation could not be loaded or saved right now. Nothing was sent. Please try again."

func internal(msg string, err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg, Err: err}
}

func historyConflict(version int64) *Error {
	return &Error{
		Status:  http.StatusConflict,
		Code:    CodeHistoryConflict,
		Message: "The conversation changed since you last loaded it. Refresh and try again.",
		Version: version,
	}
}
