package isotp

import (
	"errors"
	"fmt"
	"time"
)

// Params tunes the transport. Zero values are not defaults; start from
// DefaultParams.
type Params struct {
	// StMin is the separation time requested from the peer in flow control,
	// encoded as on the wire: 0x00-0x7F milliseconds, 0xF1-0xF9 100-900 microseconds
	StMin byte `yaml:"stmin"`

	// BlockSize is the number of consecutive frames the peer may send before
	// waiting for the next flow control. 0 means no limit
	BlockSize byte `yaml:"blocksize"`

	// WftMax is the number of WAIT flow control frames tolerated per message
	WftMax int `yaml:"wftmax"`

	// TxDataLength is the CAN payload size of outgoing frames
	TxDataLength int `yaml:"tx_data_length"`

	// TxPadding pads outgoing frames to TxDataLength when set
	TxPadding *byte `yaml:"tx_padding"`

	// RxFlowControlTimeout bounds the wait for flow control after a first
	// frame or a completed block
	RxFlowControlTimeout time.Duration `yaml:"rx_flowcontrol_timeout"`

	// RxConsecutiveFrameTimeout bounds the gap between consecutive frames
	RxConsecutiveFrameTimeout time.Duration `yaml:"rx_consecutive_frame_timeout"`

	// MaxFrameSize is the largest message accepted or sent
	MaxFrameSize int `yaml:"max_frame_size"`
}

// maxShortLength is the largest message length encodable in a first frame
// without the escape sequence.
const maxShortLength = 0xFFF

// DefaultParams returns the tuning used with the supported controllers.
func DefaultParams() Params {
	pad := byte(0x00)
	return Params{
		StMin:                     1,
		BlockSize:                 8,
		WftMax:                    0,
		TxDataLength:              8,
		TxPadding:                 &pad,
		RxFlowControlTimeout:      time.Second,
		RxConsecutiveFrameTimeout: time.Second,
		MaxFrameSize:              4095,
	}
}

// Validate checks ranges.
func (p Params) Validate() error {
	if p.StMin > 0x7F && (p.StMin < 0xF1 || p.StMin > 0xF9) {
		return fmt.Errorf("isotp: invalid stmin %#x", p.StMin)
	}
	if p.WftMax < 0 {
		return errors.New("isotp: wftmax must not be negative")
	}
	if p.TxDataLength != 8 {
		return fmt.Errorf("isotp: tx data length %d not supported, classical CAN requires 8", p.TxDataLength)
	}
	if p.RxFlowControlTimeout <= 0 {
		return errors.New("isotp: flow control timeout must be positive")
	}
	if p.RxConsecutiveFrameTimeout <= 0 {
		return errors.New("isotp: consecutive frame timeout must be positive")
	}
	if p.MaxFrameSize < 1 || p.MaxFrameSize > maxShortLength {
		return fmt.Errorf("isotp: max frame size %d out of range 1..%d", p.MaxFrameSize, maxShortLength)
	}
	return nil
}

// separationTime decodes an STmin byte. Reserved values map to the 127 ms
// maximum.
func separationTime(stMin byte) time.Duration {
	switch {
	case stMin <= 0x7F:
		return time.Duration(stMin) * time.Millisecond
	case stMin >= 0xF1 && stMin <= 0xF9:
		return time.Duration(stMin-0xF0) * 100 * time.Microsecond
	default:
		return 0x7F * time.Millisecond
	}
}
