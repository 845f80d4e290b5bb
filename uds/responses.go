package uds

import (
	"encoding/binary"
	"fmt"
)

// ParseResponse checks a response against the request SID and returns the
// parameters after the positive response SID.
//
// Positive response:
//
//	[SID+0x40][DATA...]
//
// Negative response, returned as *NegativeResponseError:
//
//	[0x7F][SID][NRC]
func ParseResponse(service byte, resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty response to %s", ErrInvalidResponse, ServiceName(service))
	}

	if resp[0] == SIDNegativeResponse {
		if len(resp) < 3 {
			return nil, fmt.Errorf("%w: short negative response", ErrInvalidResponse)
		}
		if resp[1] != service {
			return nil, fmt.Errorf("%w: negative response for 0x%02X, expected 0x%02X", ErrInvalidResponse, resp[1], service)
		}
		return nil, &NegativeResponseError{Service: service, Code: resp[2]}
	}

	if resp[0] != service+PositiveResponseOffset {
		return nil, fmt.Errorf("%w: got SID 0x%02X, expected 0x%02X", ErrInvalidResponse, resp[0], service+PositiveResponseOffset)
	}
	return resp[1:], nil
}

// ParseRequestDownloadResponse returns maxNumberOfBlockLength.
//
//	[LENGTH_FORMAT][MAX_BLOCK_LENGTH(n)]  n = LENGTH_FORMAT >> 4
func ParseRequestDownloadResponse(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: empty RequestDownload response", ErrInvalidResponse)
	}

	n := int(data[0] >> 4)
	if n < 1 || n > 4 || len(data) < 1+n {
		return 0, fmt.Errorf("%w: bad length format identifier 0x%02X", ErrInvalidResponse, data[0])
	}
	return int(beUint(data[1 : 1+n])), nil
}

// ParseRoutineControlResponse checks the echoed sub-function and routine id
// and returns the status record.
//
//	[SUBFUNCTION][ROUTINE_ID(2)][STATUS...]
func ParseRoutineControlResponse(data []byte, control RoutineControlType, routineID uint16) ([]byte, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("%w: RoutineControl response too short: %d bytes", ErrInvalidResponse, len(data))
	}
	if data[0] != byte(control) {
		return nil, fmt.Errorf("%w: routine control type 0x%02X, expected 0x%02X", ErrInvalidResponse, data[0], byte(control))
	}
	if id := binary.BigEndian.Uint16(data[1:3]); id != routineID {
		return nil, fmt.Errorf("%w: routine 0x%04X, expected 0x%04X", ErrInvalidResponse, id, routineID)
	}
	return data[3:], nil
}

// BuildPositiveResponse builds [SID+0x40][DATA...].
func BuildPositiveResponse(service byte, data ...byte) []byte {
	return append([]byte{service + PositiveResponseOffset}, data...)
}

// BuildNegativeResponse builds [0x7F][SID][NRC].
func BuildNegativeResponse(service, code byte) []byte {
	return []byte{SIDNegativeResponse, service, code}
}

// BuildRequestDownloadResponse advertises maxNumberOfBlockLength in two bytes.
func BuildRequestDownloadResponse(maxBlockLength uint16) []byte {
	return []byte{SIDRequestDownload + PositiveResponseOffset, 0x20, byte(maxBlockLength >> 8), byte(maxBlockLength)}
}
