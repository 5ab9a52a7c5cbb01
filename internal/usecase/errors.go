package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrorPatientRecordNotFound ErrorCode = "PATIENT_RECORD_NOT_FOUND"
	ErrorDownload              ErrorCode = "DOWNLOAD_ERROR"
	ErrorMessageIDUpdate       ErrorCode = "MESSAGE_ID_UPDATE_ERROR"
	ErrorStatusUpdate          ErrorCode = "STATUS_UPDATE_ERROR"
	ErrorIDPairsNotFound       ErrorCode = "MESSAGE_ID_RECORD_NOT_FOUND"
	ErrorInternal              ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed error surfaced by the transfer services. Orchestrator
// entry points are the only place these are classified into persisted
// failure statuses.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
