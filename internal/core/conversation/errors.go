package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrAssistantNotConfigured = errors.New("no assistant configured for this modality")
	ErrRunFailed              = errors.New("assistant run failed")
	ErrRunTimeout             = errors.New("assistant run did not complete in time")
	ErrEmptyMessage           = errors.New("message is empty")
)

// QuotaExceededError is returned before any upstream call when the tenant
// has used its monthly allowance.
type QuotaExceededError struct {
	Used  int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly query quota exceeded (%d/%d)", e.Used, e.Limit)
}

// ResponseFormatError means the run completed but its final message was not
// a valid reply object.
type ResponseFormatError struct {
	Raw string
	Err error
}

func (e *ResponseFormatError) Error() string {
	return "malformed assistant response: " + e.Err.Error()
}

func (e *ResponseFormatError) Unwrap() error { return e.Err }
