package httpapi

import (
	"fmt"
	"net/http"
)

// ErrorCode is one of the closed set of error kinds carried in
// error.code in a {ok:false, error:{...}} response.
type ErrorCode string

const (
	ErrInvalidBody       ErrorCode = "invalid_body"
	ErrNotAvailable      ErrorCode = "not_available"
	ErrNoTarget          ErrorCode = "no_target"
	ErrChromeUnreachable ErrorCode = "chrome_unreachable"
	ErrDisconnected      ErrorCode = "disconnected"
	ErrTimeout           ErrorCode = "timeout"
	ErrCDPError          ErrorCode = "cdp_error"
	ErrMultipleMatches   ErrorCode = "multiple_matches"
	ErrNetDisabled       ErrorCode = "net_disabled"
	ErrOriginMismatch    ErrorCode = "origin_mismatch"
	ErrIO                ErrorCode = "io_error"
	ErrInternal          ErrorCode = "internal"
)

// APIError is a domain error surfaced in an HTTP response body. Status
// is 200 for everything except invalid_body, which spec §6 carries at
// 400 even though it is written through the same {ok:false, error{}}
// envelope as every other domain error.
type APIError struct {
	Code    ErrorCode
	Message string
	Status  int
}

func (e *APIError) Error() string { return string(e.Code) + ": " + e.Message }

func newAPIError(code ErrorCode, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...), Status: defaultStatus(code)}
}

// newAPIErrorStatus builds an APIError with an explicit status,
// overriding defaultStatus — used for the 413 oversized-body case,
// which still carries code invalid_body.
func newAPIErrorStatus(code ErrorCode, status int, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...), Status: status}
}

func defaultStatus(code ErrorCode) int {
	if code == ErrInvalidBody {
		return http.StatusBadRequest
	}
	return http.StatusOK
}
