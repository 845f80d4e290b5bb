package image

import "fmt"

// CRC-16-CCITT parameters (polynomial 0x1021, initial value 0xFFFF, no final XOR).
const (
	crc16Polynomial   = 0x1021
	crc16InitialValue = 0xFFFF
)

// Block is a contiguous run of image data worth programming.
type Block struct {
	// Offset is where the block starts, relative to the start of the image
	Offset uint32

	// Data is the block payload; never empty
	Data []byte
}

// Len returns the payload size in bytes.
func (b *Block) Len() int {
	return len(b.Data)
}

// End returns the offset one past the last byte of the block.
func (b *Block) End() uint32 {
	return b.Offset + uint32(len(b.Data))
}

// CRC16 returns the CRC-16-CCITT of the payload, for display and comparison
// with device-side checks.
func (b *Block) CRC16() uint16 {
	crc := uint16(crc16InitialValue)
	for _, x := range b.Data {
		crc ^= uint16(x) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Polynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func (b *Block) String() string {
	return fmt.Sprintf("block 0x%08X-0x%08X (%d bytes, crc 0x%04X)", b.Offset, b.End(), b.Len(), b.CRC16())
}

// TotalBytes returns the summed payload size of blocks.
func TotalBytes(blocks []*Block) int {
	total := 0
	for _, b := range blocks {
		total += b.Len()
	}
	return total
}

// Split cuts every block longer than maxSize into consecutive blocks of at
// most maxSize bytes. A maxSize of zero or less returns blocks unchanged.
// The input is not modified.
func Split(blocks []*Block, maxSize int) []*Block {
	if maxSize <= 0 {
		return blocks
	}

	out := make([]*Block, 0, len(blocks))
	for _, b := range blocks {
		for start := 0; start < len(b.Data); start += maxSize {
			end := min(start+maxSize, len(b.Data))
			out = append(out, &Block{
				Offset: b.Offset + uint32(start),
				Data:   b.Data[start:end],
			})
		}
	}
	return out
}
