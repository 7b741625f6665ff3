package sdk

import (
	"errors"
	"fmt"
)

// Status is a vendor SDK return code
type Status int32

const (
	StatusSuccess          Status = 0
	StatusFailed           Status = -1
	StatusNotSupported     Status = -4
	StatusParameterInvalid Status = -6
	StatusTimeout          Status = -12
	StatusNoDevice         Status = -13
	StatusAccessDeny       Status = -45
)

// String returns a human-readable description of the status code
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "operation failed"
	case StatusNotSupported:
		return "not supported"
	case StatusParameterInvalid:
		return "invalid parameter"
	case StatusTimeout:
		return "timeout"
	case StatusNoDevice:
		return "no device"
	case StatusAccessDeny:
		return "access denied"
	default:
		return fmt.Sprintf("status %d", int32(s))
	}
}

// Error is returned by SDK calls that did not succeed
type Error struct {
	Code    Status
	Op      string
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	return fmt.Sprintf("%s failed (%d): %s", e.Op, int32(e.Code), msg)
}

// NewError builds an *Error for op with the default message for code
func NewError(op string, code Status) *Error {
	return &Error{Code: code, Op: op, Message: code.String()}
}

// CodeOf extracts the status code carried by err, or StatusFailed when err is
// not an SDK error
func CodeOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var sdkErr *Error
	if errors.As(err, &sdkErr) {
		return sdkErr.Code
	}
	return StatusFailed
}

// IsTimeout reports whether err is an SDK frame timeout
func IsTimeout(err error) bool {
	var sdkErr *Error
	return errors.As(err, &sdkErr) && sdkErr.Code == StatusTimeout
}
