package flasher

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Awervas/can-loader/image"
)

func TestNewPlan(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
		wantCount int
		wantLast  int
	}{
		{"single short chunk", 10, 512, 1, 10},
		{"exact multiple", 1024, 512, 2, 512},
		{"remainder", 1025, 512, 3, 1},
		{"one byte chunks", 5, 1, 5, 1},
		{"limit exactly", 255 * 16, 16, 255, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &image.Block{Offset: 0x400, Data: pattern(tt.size)}
			plan, err := NewPlan(b, 0x08020000, tt.chunkSize)
			require.NoError(t, err)

			assert.Equal(t, tt.wantCount, plan.Len())
			assert.Equal(t, tt.chunkSize, plan.ChunkSize())
			assert.Equal(t, uint32(0x08020400), plan.Address())

			var chunks []Chunk
			for c := range plan.Chunks() {
				chunks = append(chunks, c)
			}
			require.Len(t, chunks, tt.wantCount)
			assert.Len(t, chunks[len(chunks)-1].Data, tt.wantLast)
		})
	}
}

func TestPlanChunksCoverBlock(t *testing.T) {
	b := &image.Block{Offset: 0x1000, Data: pattern(3000)}
	plan, err := NewPlan(b, 0x08020000, 256)
	require.NoError(t, err)

	var buf bytes.Buffer
	next := 0
	for c := range plan.Chunks() {
		assert.Equal(t, next+1, c.Sequence)
		assert.Equal(t, byte(c.Sequence), c.Counter)
		assert.Equal(t, next*256, c.Offset)
		assert.Equal(t, uint32(0x08021000)+uint32(c.Offset), c.Address)
		assert.LessOrEqual(t, len(c.Data), 256)
		buf.Write(c.Data)
		next++
	}

	assert.Equal(t, 12, next)
	assert.Equal(t, b.Data, buf.Bytes())
}

func TestPlanChunksRestartable(t *testing.T) {
	b := &image.Block{Data: pattern(100)}
	plan, err := NewPlan(b, 0, 10)
	require.NoError(t, err)

	// Stop early, then iterate again from the start.
	for c := range plan.Chunks() {
		if c.Sequence == 3 {
			break
		}
	}

	var seqs []int
	for c := range plan.Chunks() {
		seqs = append(seqs, c.Sequence)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seqs)
}

func TestPlanEach(t *testing.T) {
	b := &image.Block{Offset: 0x100, Data: pattern(25)}
	plan, err := NewPlan(b, 0x1000, 10)
	require.NoError(t, err)

	var addrs []uint32
	require.NoError(t, plan.Each(func(c Chunk) error {
		addrs = append(addrs, c.Address)
		return nil
	}))
	assert.Equal(t, []uint32{0x1100, 0x110A, 0x1114}, addrs)

	stop := errors.New("stop")
	calls := 0
	err = plan.Each(func(c Chunk) error {
		calls++
		if c.Sequence == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestNewPlanErrors(t *testing.T) {
	_, err := NewPlan(&image.Block{}, 0, 512)
	assert.Error(t, err)

	_, err = NewPlan(nil, 0, 512)
	assert.Error(t, err)

	_, err = NewPlan(&image.Block{Data: []byte{1}}, 0, 0)
	assert.Error(t, err)

	_, err = NewPlan(&image.Block{Offset: 0x800, Data: pattern(255*16 + 1)}, 0, 16)
	var so *SequenceOverflowError
	require.ErrorAs(t, err, &so)
	assert.Equal(t, uint32(0x800), so.Offset)
	assert.Equal(t, 255*16+1, so.Size)
	assert.Equal(t, 16, so.ChunkSize)
	assert.Equal(t, 256, so.Chunks)
	assert.Contains(t, so.Error(), "256 chunks")
}

func TestNewPlanAddressRange(t *testing.T) {
	tests := []struct {
		name    string
		base    uint32
		offset  uint32
		size    int
		wantErr bool
	}{
		{"ends at top of address space", 0xFFFFFC00, 0x3F0, 16, false},
		{"wraps past zero", 0xFFFFFC00, 0x400, 16, true},
		{"last byte wraps", 0xFFFFFC00, 0x3F0, 17, true},
		{"zero base", 0, 0xFFFFFFF0, 16, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewPlan(&image.Block{Offset: tt.offset, Data: pattern(tt.size)}, tt.base, 8)
			if !tt.wantErr {
				require.NoError(t, err)
				for c := range plan.Chunks() {
					assert.GreaterOrEqual(t, c.Address, tt.base)
				}
				return
			}

			var ae *AddressRangeError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.base, ae.Base)
			assert.Equal(t, tt.offset, ae.Offset)
			assert.Contains(t, ae.Error(), "does not fit")
		})
	}
}

func TestPlanChunksDoNotShareCapacity(t *testing.T) {
	b := &image.Block{Data: pattern(30)}
	orig := append([]byte(nil), b.Data...)
	plan, err := NewPlan(b, 0, 10)
	require.NoError(t, err)

	for c := range plan.Chunks() {
		assert.Equal(t, len(c.Data), cap(c.Data))
		_ = append(c.Data, 0xEE)
	}
	assert.Equal(t, orig, b.Data)
}

func TestMaxPayload(t *testing.T) {
	assert.Equal(t, 4093, MaxPayload(4095))
	assert.Equal(t, 0, MaxPayload(1))
	assert.Equal(t, math.MaxInt, MaxPayload(0))
}

func TestEffectiveChunkSize(t *testing.T) {
	tests := []struct {
		deviceMax  int
		configured int
		want       int
	}{
		{512, 512, 512},
		{0x402, 512, 512},
		{128, 512, 128},
		{0, 512, 512},
		{-1, 256, 256},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EffectiveChunkSize(tt.deviceMax, tt.configured), "device %d, configured %d", tt.deviceMax, tt.configured)
	}
}
