package bus

import (
	"encoding/binary"
	"fmt"
)

// SocketCANAdapter is the registry name of the Linux SocketCAN adapter.
const SocketCANAdapter = "socketcan"

// Linux struct can_frame layout and identifier flags.
const (
	canFrameSize = 16
	canEFFFlag   = 0x80000000
	canRTRFlag   = 0x40000000
	canERRFlag   = 0x20000000
)

// marshalCANFrame encodes f as a Linux struct can_frame (little-endian host).
//
//	0..3  can_id with EFF flag
//	4     can_dlc
//	5..7  padding
//	8..15 data
func marshalCANFrame(f Frame) []byte {
	buf := make([]byte, canFrameSize)
	id := f.ID
	if f.Extended {
		id |= canEFFFlag
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:], f.Data[:f.Len])
	return buf
}

// unmarshalCANFrame decodes a struct can_frame. Remote and error frames are
// reported with ok=false so callers can skip them.
func unmarshalCANFrame(buf []byte) (f Frame, ok bool, err error) {
	if len(buf) < canFrameSize {
		return Frame{}, false, fmt.Errorf("short can_frame: %d bytes", len(buf))
	}

	raw := binary.LittleEndian.Uint32(buf[0:4])
	if raw&(canRTRFlag|canERRFlag) != 0 {
		return Frame{}, false, nil
	}

	f.Extended = raw&canEFFFlag != 0
	if f.Extended {
		f.ID = raw & MaxExtendedID
	} else {
		f.ID = raw & MaxStandardID
	}

	f.Len = buf[4]
	if f.Len > MaxDataLength {
		return Frame{}, false, fmt.Errorf("%w: dlc %d", ErrInvalidLength, f.Len)
	}
	copy(f.Data[:], buf[8:8+int(f.Len)])
	return f, true, nil
}
