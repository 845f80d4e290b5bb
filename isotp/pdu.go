package isotp

import (
	"errors"
	"fmt"
)

// Protocol control information types (high nibble of the first byte).
const (
	pciSingleFrame      = 0x0
	pciFirstFrame       = 0x1
	pciConsecutiveFrame = 0x2
	pciFlowControl      = 0x3
)

// FlowStatus is the status carried by a flow control frame.
type FlowStatus byte

const (
	FlowContinueToSend FlowStatus = 0
	FlowWait           FlowStatus = 1
	FlowOverflow       FlowStatus = 2
)

func (s FlowStatus) String() string {
	switch s {
	case FlowContinueToSend:
		return "CTS"
	case FlowWait:
		return "WAIT"
	case FlowOverflow:
		return "OVFL"
	default:
		return fmt.Sprintf("FS(%d)", byte(s))
	}
}

// pdu is one decoded protocol data unit.
type pdu struct {
	kind byte

	// single and first frame
	length int
	data   []byte

	// consecutive frame
	seq byte

	// flow control
	status    FlowStatus
	blockSize byte
	stMin     byte
}

var errMalformed = errors.New("isotp: malformed frame")

func parsePDU(payload []byte) (pdu, error) {
	if len(payload) == 0 {
		return pdu{}, errMalformed
	}

	p := pdu{kind: payload[0] >> 4}
	switch p.kind {
	case pciSingleFrame:
		p.length = int(payload[0] & 0x0F)
		if p.length == 0 || p.length > len(payload)-1 {
			return pdu{}, fmt.Errorf("%w: single frame length %d", errMalformed, p.length)
		}
		p.data = payload[1 : 1+p.length]

	case pciFirstFrame:
		if len(payload) < 2 {
			return pdu{}, fmt.Errorf("%w: short first frame", errMalformed)
		}
		p.length = int(payload[0]&0x0F)<<8 | int(payload[1])
		if p.length == 0 {
			return pdu{}, fmt.Errorf("%w: escaped first frame length not supported", errMalformed)
		}
		p.data = payload[2:min(len(payload), 2+p.length)]

	case pciConsecutiveFrame:
		p.seq = payload[0] & 0x0F
		p.data = payload[1:]

	case pciFlowControl:
		if len(payload) < 3 {
			return pdu{}, fmt.Errorf("%w: short flow control", errMalformed)
		}
		p.status = FlowStatus(payload[0] & 0x0F)
		if p.status > FlowOverflow {
			return pdu{}, fmt.Errorf("%w: unknown flow status %d", errMalformed, p.status)
		}
		p.blockSize = payload[1]
		p.stMin = payload[2]

	default:
		return pdu{}, fmt.Errorf("%w: unknown frame type %d", errMalformed, p.kind)
	}
	return p, nil
}

func singleFrame(data []byte) []byte {
	return append([]byte{byte(len(data))}, data...)
}

func firstFrame(length int, data []byte) []byte {
	return append([]byte{pciFirstFrame<<4 | byte(length>>8), byte(length)}, data...)
}

func consecutiveFrame(seq byte, data []byte) []byte {
	return append([]byte{pciConsecutiveFrame<<4 | seq&0x0F}, data...)
}

func flowControl(status FlowStatus, blockSize, stMin byte) []byte {
	return []byte{pciFlowControl<<4 | byte(status), blockSize, stMin}
}
