package bus

import (
	"errors"
	"fmt"
)

// Identifier limits for classical CAN.
const (
	// MaxStandardID is the largest 11-bit identifier
	MaxStandardID = 0x7FF

	// MaxExtendedID is the largest 29-bit identifier
	MaxExtendedID = 0x1FFFFFFF

	// MaxDataLength is the classical CAN payload limit
	MaxDataLength = 8
)

var (
	ErrInvalidID     = errors.New("bus: invalid identifier")
	ErrInvalidLength = errors.New("bus: invalid data length")
)

// Frame is a classical CAN 2.0A/2.0B data frame.
type Frame struct {
	// ID is the 11-bit or 29-bit arbitration identifier
	ID uint32

	// Extended marks a 29-bit identifier
	Extended bool

	// Len is the number of valid bytes in Data (0..8)
	Len uint8

	// Data holds the payload; bytes past Len are ignored
	Data [MaxDataLength]byte
}

// NewFrame builds a validated frame from a payload slice.
func NewFrame(id uint32, extended bool, data []byte) (Frame, error) {
	if len(data) > MaxDataLength {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(data))
	}

	f := Frame{
		ID:       id,
		Extended: extended,
		Len:      uint8(len(data)),
	}
	copy(f.Data[:], data)

	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate returns an error if the frame cannot be put on the wire.
func (f Frame) Validate() error {
	if f.Len > MaxDataLength {
		return ErrInvalidLength
	}
	if f.Extended {
		if f.ID > MaxExtendedID {
			return ErrInvalidID
		}
	} else if f.ID > MaxStandardID {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the valid data bytes of the frame.
func (f Frame) Payload() []byte {
	return f.Data[:f.Len]
}

func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("%08X [%d] % X", f.ID, f.Len, f.Payload())
	}
	return fmt.Sprintf("%03X [%d] % X", f.ID, f.Len, f.Payload())
}
