package flasher

import (
	"errors"
	"iter"
	"math"

	"github.com/Awervas/can-loader/image"
)

// MaxChunksPerBlock is the number of chunks a block may be split into. The
// device checks continuity on the low 8 bits of the sequence number, so a
// 256th chunk would collide with an earlier one.
const MaxChunksPerBlock = 255

// TransferDataOverhead is the size of a TransferData request without its
// payload: the service id and the block sequence counter.
const TransferDataOverhead = 2

// Chunk is one TransferData payload.
type Chunk struct {
	// Sequence is the 1-based index of the chunk within its block
	Sequence int

	// Counter is the block sequence counter sent on the wire
	Counter byte

	// Address is the device address of the first byte
	Address uint32

	// Offset is the position of the chunk within the block payload
	Offset int

	// Data is a slice of the block payload
	Data []byte
}

// Plan is the chunk layout of one block for a given chunk size.
type Plan struct {
	block     *image.Block
	base      uint32
	chunkSize int
	count     int
}

// EffectiveChunkSize returns the smaller of the device limit and the
// configured cap. A device limit of zero or less means the device did not
// advertise one.
func EffectiveChunkSize(deviceMax, configuredMax int) int {
	if deviceMax <= 0 {
		return configuredMax
	}
	return min(deviceMax, configuredMax)
}

// MaxPayload returns the largest TransferData payload a transport limited to
// maxRequest bytes can carry. A limit of zero or less means unlimited and
// returns math.MaxInt.
func MaxPayload(maxRequest int) int {
	if maxRequest <= 0 {
		return math.MaxInt
	}
	return max(maxRequest-TransferDataOverhead, 0)
}

// NewPlan lays out block in chunks of chunkSize bytes for a device whose
// flash starts at base. It fails with *SequenceOverflowError when the block
// would need more than MaxChunksPerBlock chunks.
func NewPlan(block *image.Block, base uint32, chunkSize int) (*Plan, error) {
	if block == nil || block.Len() == 0 {
		return nil, errors.New("cannot plan an empty block")
	}
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}

	if uint64(base)+uint64(block.Offset)+uint64(block.Len()) > math.MaxUint32+1 {
		return nil, &AddressRangeError{Base: base, Offset: block.Offset, Size: block.Len()}
	}

	count := (block.Len() + chunkSize - 1) / chunkSize
	if count > MaxChunksPerBlock {
		return nil, &SequenceOverflowError{
			Offset:    block.Offset,
			Size:      block.Len(),
			ChunkSize: chunkSize,
			Chunks:    count,
		}
	}

	return &Plan{block: block, base: base, chunkSize: chunkSize, count: count}, nil
}

// Len returns the number of chunks.
func (p *Plan) Len() int {
	return p.count
}

// ChunkSize returns the size of every chunk but possibly the last.
func (p *Plan) ChunkSize() int {
	return p.chunkSize
}

// Address returns the device address of the block.
func (p *Plan) Address() uint32 {
	return p.base + p.block.Offset
}

// Chunks yields the chunks in ascending order. The sequence can be iterated
// any number of times.
func (p *Plan) Chunks() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		data := p.block.Data
		for i := 0; i < p.count; i++ {
			start := i * p.chunkSize
			end := min(start+p.chunkSize, len(data))

			c := Chunk{
				Sequence: i + 1,
				Counter:  byte((i + 1) & 0xFF),
				Address:  p.Address() + uint32(start),
				Offset:   start,
				Data:     data[start:end:end],
			}
			if !yield(c) {
				return
			}
		}
	}
}

// Each calls fn for every chunk in order and stops at the first error,
// which it returns.
func (p *Plan) Each(fn func(Chunk) error) error {
	for c := range p.Chunks() {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}
