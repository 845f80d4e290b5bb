package uds

import (
	"encoding/binary"
	"fmt"
)

// BuildDiagnosticSessionControl builds a session change request.
//
//	[0x10][SESSION]
func BuildDiagnosticSessionControl(session Session) []byte {
	return []byte{SIDDiagnosticSessionControl, byte(session)}
}

// BuildECUReset builds a reset request.
//
//	[0x11][RESET_TYPE]
func BuildECUReset(resetType ResetType) []byte {
	return []byte{SIDECUReset, byte(resetType)}
}

// BuildRoutineControl builds a routine control request.
//
//	[0x31][SUBFUNCTION][ROUTINE_ID(2, big-endian)][OPTION...]
func BuildRoutineControl(control RoutineControlType, routineID uint16, option ...byte) []byte {
	req := make([]byte, 4, 4+len(option))
	req[0] = SIDRoutineControl
	req[1] = byte(control)
	binary.BigEndian.PutUint16(req[2:4], routineID)
	return append(req, option...)
}

// BuildRequestDownload builds a download request with 32-bit address and size.
//
//	[0x34][DATA_FORMAT][0x44][ADDRESS(4)][SIZE(4)]
func BuildRequestDownload(address, size uint32) []byte {
	req := make([]byte, 11)
	req[0] = SIDRequestDownload
	req[1] = DataFormatPlain
	req[2] = AddressAndLengthFormat44
	binary.BigEndian.PutUint32(req[3:7], address)
	binary.BigEndian.PutUint32(req[7:11], size)
	return req
}

// BuildTransferData builds a transfer request for one chunk.
//
//	[0x36][BLOCK_SEQUENCE_COUNTER][DATA...]
func BuildTransferData(sequence byte, data []byte) []byte {
	req := make([]byte, 2, 2+len(data))
	req[0] = SIDTransferData
	req[1] = sequence
	return append(req, data...)
}

// BuildRequestTransferExit builds a transfer exit request.
//
//	[0x37]
func BuildRequestTransferExit() []byte {
	return []byte{SIDRequestTransferExit}
}

// DownloadRequest is a decoded RequestDownload.
type DownloadRequest struct {
	DataFormat uint8
	Address    uint32
	Size       uint32
}

// ParseRequestDownload decodes the parameters of a RequestDownload request
// (everything after the SID). Address and size may each be 1 to 4 bytes.
func ParseRequestDownload(data []byte) (*DownloadRequest, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: RequestDownload too short: %d bytes", ErrInvalidResponse, len(data))
	}

	sizeLen := int(data[1] >> 4)
	addrLen := int(data[1] & 0x0F)
	if sizeLen < 1 || sizeLen > 4 || addrLen < 1 || addrLen > 4 {
		return nil, fmt.Errorf("%w: unsupported address/length format 0x%02X", ErrInvalidResponse, data[1])
	}
	if len(data) != 2+addrLen+sizeLen {
		return nil, fmt.Errorf("%w: RequestDownload length %d, expected %d", ErrInvalidResponse, len(data), 2+addrLen+sizeLen)
	}

	return &DownloadRequest{
		DataFormat: data[0],
		Address:    beUint(data[2 : 2+addrLen]),
		Size:       beUint(data[2+addrLen:]),
	}, nil
}

func beUint(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}
