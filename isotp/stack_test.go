package isotp

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Awervas/can-loader/bus"
)

func testParams() Params {
	p := DefaultParams()
	p.StMin = 0
	p.RxFlowControlTimeout = 200 * time.Millisecond
	p.RxConsecutiveFrameTimeout = 200 * time.Millisecond
	return p
}

// newPair returns a tester stack and an ECU stack talking on a private channel.
func newPair(t *testing.T, testerParams, ecuParams Params) (*Stack, *Stack) {
	t.Helper()

	addr := NewNormalFixed29Bit(0xF3, 0xF1)

	testerBus := bus.NewVirtual(t.Name())
	ecuBus := bus.NewVirtual(t.Name())

	tester, err := NewStack(testerBus, addr, testerParams)
	require.NoError(t, err)
	ecu, err := NewStack(ecuBus, addr.Reverse(), ecuParams)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, tester.Close())
		assert.NoError(t, ecu.Close())
		testerBus.Shutdown()
		ecuBus.Shutdown()
	})
	return tester, ecu
}

func TestStackRoundTrip(t *testing.T) {
	sizes := []int{1, 7, 8, 62, 63, 100, 1030, 4095}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			tester, ecu := newPair(t, testParams(), testParams())

			msg := make([]byte, size)
			for i := range msg {
				msg[i] = byte(i)
			}

			require.NoError(t, tester.Send(ctx, msg))
			got, err := ecu.Receive(ctx)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(msg, got), "payload mismatch for %d bytes", size)

			// And back.
			require.NoError(t, ecu.Send(ctx, msg))
			got, err = tester.Receive(ctx)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(msg, got))
		})
	}
}

func TestStackSendTooLarge(t *testing.T) {
	tester, _ := newPair(t, testParams(), testParams())

	err := tester.Send(context.Background(), make([]byte, 4096))
	assert.ErrorIs(t, err, ErrTooLarge)

	err = tester.Send(context.Background(), nil)
	assert.Error(t, err)
}

func TestStackFlowControlTimeout(t *testing.T) {
	b := bus.NewVirtual(t.Name())
	defer b.Shutdown()

	s, err := NewStack(b, NewNormalFixed29Bit(0xF3, 0xF1), testParams())
	require.NoError(t, err)
	defer s.Close()

	err = s.Send(context.Background(), make([]byte, 20))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStackReceiverOverflow(t *testing.T) {
	small := testParams()
	small.MaxFrameSize = 16

	tester, _ := newPair(t, testParams(), small)

	err := tester.Send(context.Background(), make([]byte, 64))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestStackWaitLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr := NewNormalFixed29Bit(0xF3, 0xF1)
	b := bus.NewVirtual(t.Name())
	peer := bus.NewVirtual(t.Name())
	defer b.Shutdown()
	defer peer.Shutdown()

	s, err := NewStack(b, addr, testParams())
	require.NoError(t, err)
	defer s.Close()

	errc := make(chan error, 1)
	go func() { errc <- s.Send(ctx, make([]byte, 20)) }()

	ff, err := peer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, addr.TxArbitrationID(), ff.ID)
	assert.Equal(t, byte(0x10), ff.Data[0])
	assert.Equal(t, byte(20), ff.Data[1])

	wait, err := bus.NewFrame(addr.RxArbitrationID(), true, flowControl(FlowWait, 0, 0))
	require.NoError(t, err)
	require.NoError(t, peer.Send(ctx, wait))

	assert.ErrorIs(t, <-errc, ErrWaitLimit)
}

func TestStackDiscardsBrokenSequence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr := NewNormalFixed29Bit(0xF3, 0xF1)
	b := bus.NewVirtual(t.Name())
	peer := bus.NewVirtual(t.Name())
	defer b.Shutdown()
	defer peer.Shutdown()

	s, err := NewStack(b, addr, testParams())
	require.NoError(t, err)
	defer s.Close()

	send := func(data []byte) {
		f, err := bus.NewFrame(addr.RxArbitrationID(), true, data)
		require.NoError(t, err)
		require.NoError(t, peer.Send(ctx, f))
	}

	send(firstFrame(10, []byte{1, 2, 3, 4, 5, 6}))

	fc, err := peer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0x30), fc.Data[0])

	// Sequence 2 instead of 1 abandons the message.
	send(consecutiveFrame(2, []byte{7, 8, 9, 10}))
	send(singleFrame([]byte{0x50, 0x02}))

	got, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x02}, got)
}

func TestStackIgnoresOtherIdentifiers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr := NewNormalFixed29Bit(0xF3, 0xF1)
	b := bus.NewVirtual(t.Name())
	peer := bus.NewVirtual(t.Name())
	defer b.Shutdown()
	defer peer.Shutdown()

	s, err := NewStack(b, addr, testParams())
	require.NoError(t, err)
	defer s.Close()

	other, err := bus.NewFrame(0x7E8, false, singleFrame([]byte{0xAA}))
	require.NoError(t, err)
	require.NoError(t, peer.Send(ctx, other))

	mine, err := bus.NewFrame(addr.RxArbitrationID(), true, singleFrame([]byte{0xBB}))
	require.NoError(t, err)
	require.NoError(t, peer.Send(ctx, mine))

	got, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBB}, got)
}

func TestStackPadding(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	b := bus.NewVirtual(t.Name())
	peer := bus.NewVirtual(t.Name())
	defer b.Shutdown()
	defer peer.Shutdown()

	p := testParams()
	pad := byte(0xAA)
	p.TxPadding = &pad

	s, err := NewStack(b, NewNormal11Bit(0x7E0, 0x7E8), p)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(ctx, []byte{0x10, 0x02}))

	f, err := peer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7E0), f.ID)
	assert.False(t, f.Extended)
	assert.Equal(t, []byte{0x02, 0x10, 0x02, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}, f.Payload())
}

func TestStackClose(t *testing.T) {
	b := bus.NewVirtual(t.Name())
	defer b.Shutdown()

	s, err := NewStack(b, NewNormalFixed29Bit(0xF3, 0xF1), testParams())
	require.NoError(t, err)

	require.NoError(t, s.Close())

	_, err = s.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Send(context.Background(), []byte{1}), ErrClosed)
}

func TestStackBusShutdown(t *testing.T) {
	b := bus.NewVirtual(t.Name())

	s, err := NewStack(b, NewNormalFixed29Bit(0xF3, 0xF1), testParams())
	require.NoError(t, err)

	require.NoError(t, b.Shutdown())

	_, err = s.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}

func TestNewStackValidation(t *testing.T) {
	b := bus.NewVirtual(t.Name())
	defer b.Shutdown()

	_, err := NewStack(nil, NewNormalFixed29Bit(0xF3, 0xF1), DefaultParams())
	assert.Error(t, err)

	_, err = NewStack(b, NewNormalFixed29Bit(0xF1, 0xF1), DefaultParams())
	assert.Error(t, err)

	bad := DefaultParams()
	bad.TxDataLength = 64
	_, err = NewStack(b, NewNormalFixed29Bit(0xF3, 0xF1), bad)
	assert.Error(t, err)
}
