package isotp

import "fmt"

// Mode selects how arbitration identifiers are derived.
type Mode int

const (
	// Normal11Bit uses fixed 11-bit request and response identifiers.
	Normal11Bit Mode = iota

	// NormalFixed29Bit encodes target and source addresses in a 29-bit
	// identifier: 0x18DA<TA><SA> for physical addressing.
	NormalFixed29Bit
)

const normalFixedPhysical = 0x18DA0000

func (m Mode) String() string {
	switch m {
	case Normal11Bit:
		return "normal-11bit"
	case NormalFixed29Bit:
		return "normal-fixed-29bit"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Address identifies the two ends of an ISO-TP link.
type Address struct {
	Mode Mode

	// TxID and RxID are used in Normal11Bit mode
	TxID uint32
	RxID uint32

	// Target and Source are used in NormalFixed29Bit mode
	Target byte
	Source byte
}

// NewNormal11Bit returns an address that transmits on txID and listens on rxID.
func NewNormal11Bit(txID, rxID uint32) Address {
	return Address{Mode: Normal11Bit, TxID: txID, RxID: rxID}
}

// NewNormalFixed29Bit returns a physical address from source to target.
func NewNormalFixed29Bit(target, source byte) Address {
	return Address{Mode: NormalFixed29Bit, Target: target, Source: source}
}

// TxArbitrationID is the identifier used for outgoing frames.
func (a Address) TxArbitrationID() uint32 {
	if a.Mode == NormalFixed29Bit {
		return normalFixedPhysical | uint32(a.Target)<<8 | uint32(a.Source)
	}
	return a.TxID
}

// RxArbitrationID is the identifier accepted for incoming frames.
func (a Address) RxArbitrationID() uint32 {
	if a.Mode == NormalFixed29Bit {
		return normalFixedPhysical | uint32(a.Source)<<8 | uint32(a.Target)
	}
	return a.RxID
}

// Extended reports whether the address uses 29-bit identifiers.
func (a Address) Extended() bool {
	return a.Mode == NormalFixed29Bit
}

// Reverse returns the address as seen from the other end of the link.
func (a Address) Reverse() Address {
	return Address{
		Mode:   a.Mode,
		TxID:   a.RxID,
		RxID:   a.TxID,
		Target: a.Source,
		Source: a.Target,
	}
}

// Validate checks that the identifiers fit the addressing mode.
func (a Address) Validate() error {
	switch a.Mode {
	case Normal11Bit:
		if a.TxID > 0x7FF || a.RxID > 0x7FF {
			return fmt.Errorf("isotp: 11-bit identifiers out of range: tx=%#x rx=%#x", a.TxID, a.RxID)
		}
		if a.TxID == a.RxID {
			return fmt.Errorf("isotp: tx and rx identifiers are both %#x", a.TxID)
		}
	case NormalFixed29Bit:
		if a.Target == a.Source {
			return fmt.Errorf("isotp: target and source addresses are both %#x", a.Target)
		}
	default:
		return fmt.Errorf("isotp: unknown addressing %s", a.Mode)
	}
	return nil
}

func (a Address) String() string {
	if a.Mode == NormalFixed29Bit {
		return fmt.Sprintf("%s ta=0x%02X sa=0x%02X", a.Mode, a.Target, a.Source)
	}
	return fmt.Sprintf("%s tx=0x%03X rx=0x%03X", a.Mode, a.TxID, a.RxID)
}
