package uds

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no final response arrives in time.
	ErrTimeout = errors.New("uds: response timeout")

	// ErrInvalidResponse is returned for a response that cannot be decoded.
	ErrInvalidResponse = errors.New("uds: invalid response")
)

// NegativeResponseError is a negative response (0x7F) from the device.
type NegativeResponseError struct {
	// Service is the rejected request SID
	Service byte

	// Code is the negative response code
	Code byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("%s rejected: %s (0x%02X)", ServiceName(e.Service), nrcName(e.Code), e.Code)
}

// IsNegativeResponse reports whether err carries a device rejection.
func IsNegativeResponse(err error) bool {
	var nrc *NegativeResponseError
	return errors.As(err, &nrc)
}

func nrcName(code byte) string {
	switch code {
	case NRCGeneralReject:
		return "general reject"
	case NRCServiceNotSupported:
		return "service not supported"
	case NRCSubFunctionNotSupported:
		return "sub-function not supported"
	case NRCIncorrectMessageLength:
		return "incorrect message length or invalid format"
	case NRCBusyRepeatRequest:
		return "busy, repeat request"
	case NRCConditionsNotCorrect:
		return "conditions not correct"
	case NRCRequestSequenceError:
		return "request sequence error"
	case NRCRequestOutOfRange:
		return "request out of range"
	case NRCSecurityAccessDenied:
		return "security access denied"
	case NRCUploadDownloadNotAccepted:
		return "upload/download not accepted"
	case NRCTransferDataSuspended:
		return "transfer data suspended"
	case NRCGeneralProgrammingFailure:
		return "general programming failure"
	case NRCWrongBlockSequenceCounter:
		return "wrong block sequence counter"
	case NRCResponsePending:
		return "response pending"
	case NRCSubFunctionNotSupportedInActiveSession:
		return "sub-function not supported in active session"
	case NRCServiceNotSupportedInActiveSession:
		return "service not supported in active session"
	default:
		return "unknown response code"
	}
}
