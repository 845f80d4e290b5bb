package image

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	// DefaultStride is the scan window size in bytes
	DefaultStride = 1024

	// DefaultFillByte is the value of erased flash
	DefaultFillByte = 0xFF
)

// Option configures segmentation.
type Option func(*options)

type options struct {
	fill byte
}

// WithFillByte sets the value that marks a window as empty.
//
// Example:
//
//	blocks, err := image.Load("app.bin", 1024, image.WithFillByte(0x00))
func WithFillByte(fill byte) Option {
	return func(o *options) {
		o.fill = fill
	}
}

// Load reads and segments the raw image at path.
//
// Example:
//
//	blocks, err := image.Load("firmware.bin", image.DefaultStride)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, b := range blocks {
//	    fmt.Println(b)
//	}
func Load(path string, stride int, opts ...Option) ([]*Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Segment(f, stride, opts...)
}

// Segment scans r in windows of stride bytes and returns the non-empty
// regions in ascending offset order.
//
// A window whose bytes all equal the fill byte is skipped. Any other window
// extends the open block when it starts exactly where that block ends, and
// opens a new block otherwise. The final window may be short. An image made
// only of fill bytes yields no blocks and no error.
//
// Each call returns freshly allocated blocks; nothing is shared between calls.
func Segment(r io.Reader, stride int, opts ...Option) ([]*Block, error) {
	if stride <= 0 {
		return nil, fmt.Errorf("invalid stride %d: must be positive", stride)
	}

	o := options{fill: DefaultFillByte}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		blocks []*Block
		open   *Block
		offset uint64
		window = make([]byte, stride)
		empty  = bytes.Repeat([]byte{o.fill}, stride)
	)

	for {
		n, err := io.ReadFull(r, window)
		if n > 0 {
			if offset+uint64(n) > math.MaxUint32+1 {
				return nil, fmt.Errorf("image larger than 4 GiB at offset %d", offset)
			}

			if !bytes.Equal(window[:n], empty[:n]) {
				if open != nil && uint64(open.End()) == offset {
					open.Data = append(open.Data, window[:n]...)
				} else {
					open = &Block{Offset: uint32(offset), Data: append([]byte(nil), window[:n]...)}
					blocks = append(blocks, open)
				}
			}
			offset += uint64(n)
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read image at offset %d: %w", offset, err)
		}
	}
}
