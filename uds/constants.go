package uds

import "fmt"

// Service identifiers (ISO 14229-1).
const (
	// SIDDiagnosticSessionControl switches the diagnostic session
	SIDDiagnosticSessionControl = 0x10

	// SIDECUReset restarts the controller
	SIDECUReset = 0x11

	// SIDRoutineControl starts, stops or polls a device routine
	SIDRoutineControl = 0x31

	// SIDRequestDownload opens a memory region for writing
	SIDRequestDownload = 0x34

	// SIDTransferData carries one block of download data
	SIDTransferData = 0x36

	// SIDRequestTransferExit closes a download
	SIDRequestTransferExit = 0x37

	// SIDNegativeResponse prefixes every negative response
	SIDNegativeResponse = 0x7F

	// PositiveResponseOffset is added to the request SID in positive responses
	PositiveResponseOffset = 0x40
)

// Negative response codes.
const (
	NRCGeneralReject                          = 0x10
	NRCServiceNotSupported                    = 0x11
	NRCSubFunctionNotSupported                = 0x12
	NRCIncorrectMessageLength                 = 0x13
	NRCBusyRepeatRequest                      = 0x21
	NRCConditionsNotCorrect                   = 0x22
	NRCRequestSequenceError                   = 0x24
	NRCRequestOutOfRange                      = 0x31
	NRCSecurityAccessDenied                   = 0x33
	NRCUploadDownloadNotAccepted              = 0x70
	NRCTransferDataSuspended                  = 0x71
	NRCGeneralProgrammingFailure              = 0x72
	NRCWrongBlockSequenceCounter              = 0x73
	NRCResponsePending                        = 0x78
	NRCSubFunctionNotSupportedInActiveSession = 0x7E
	NRCServiceNotSupportedInActiveSession     = 0x7F
)

// RequestDownload format identifiers: no compression or encryption, 32-bit
// memory size and 32-bit memory address.
const (
	DataFormatPlain          = 0x00
	AddressAndLengthFormat44 = 0x44
)

// Session is a diagnostic session type.
type Session byte

const (
	DefaultSession     Session = 0x01
	ProgrammingSession Session = 0x02
	ExtendedSession    Session = 0x03
)

func (s Session) String() string {
	switch s {
	case DefaultSession:
		return "default"
	case ProgrammingSession:
		return "programming"
	case ExtendedSession:
		return "extended"
	default:
		return fmt.Sprintf("session(0x%02X)", byte(s))
	}
}

// ResetType is the ECUReset sub-function.
type ResetType byte

const (
	HardReset     ResetType = 0x01
	KeyOffOnReset ResetType = 0x02
	SoftReset     ResetType = 0x03
)

func (r ResetType) String() string {
	switch r {
	case HardReset:
		return "hard"
	case KeyOffOnReset:
		return "key-off-on"
	case SoftReset:
		return "soft"
	default:
		return fmt.Sprintf("reset(0x%02X)", byte(r))
	}
}

// RoutineControlType is the RoutineControl sub-function.
type RoutineControlType byte

const (
	StartRoutine          RoutineControlType = 0x01
	StopRoutine           RoutineControlType = 0x02
	RequestRoutineResults RoutineControlType = 0x03
)

func (r RoutineControlType) String() string {
	switch r {
	case StartRoutine:
		return "start"
	case StopRoutine:
		return "stop"
	case RequestRoutineResults:
		return "results"
	default:
		return fmt.Sprintf("routine-control(0x%02X)", byte(r))
	}
}

// ServiceName returns a readable name for a service identifier.
func ServiceName(sid byte) string {
	switch sid {
	case SIDDiagnosticSessionControl:
		return "DiagnosticSessionControl"
	case SIDECUReset:
		return "ECUReset"
	case SIDRoutineControl:
		return "RoutineControl"
	case SIDRequestDownload:
		return "RequestDownload"
	case SIDTransferData:
		return "TransferData"
	case SIDRequestTransferExit:
		return "RequestTransferExit"
	default:
		return fmt.Sprintf("service 0x%02X", sid)
	}
}
