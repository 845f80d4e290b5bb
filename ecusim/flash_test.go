package ecusim_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Awervas/can-loader/bus"
	"github.com/Awervas/can-loader/ecusim"
	"github.com/Awervas/can-loader/flasher"
	"github.com/Awervas/can-loader/image"
	"github.com/Awervas/can-loader/isotp"
	"github.com/Awervas/can-loader/uds"
)

var tester = isotp.NewNormalFixed29Bit(0xF3, 0xF1)

func noWait(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// dial starts a simulated ECU and connects a client to it over a virtual bus.
func dial(t *testing.T, cfg ecusim.Config) (*ecusim.ECU, *uds.Client) {
	t.Helper()

	params := isotp.DefaultParams()
	params.StMin = 0

	ecu := ecusim.New(cfg, ecusim.WithLogger(zaptest.NewLogger(t)))
	srv, err := ecusim.Start(bus.NewVirtual(t.Name()), tester, params, ecu)
	require.NoError(t, err)

	client, err := uds.Dial(bus.NewVirtual(t.Name()), tester, params, uds.Config{
		RequestTimeout: 200 * time.Millisecond,
		P2StarTimeout:  time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, client.Close())
		assert.NoError(t, srv.Close())
	})
	return ecu, client
}

// testImage has data in the second and fourth 1 KiB window.
func testImage() []byte {
	raw := bytes.Repeat([]byte{0xFF}, 4096)
	for i := 1024; i < 2048; i++ {
		raw[i] = byte(i)
	}
	for i := 3072; i < 3500; i++ {
		raw[i] = byte(i * 3)
	}
	return raw
}

func segment(t *testing.T, raw []byte) []*image.Block {
	t.Helper()
	blocks, err := image.Segment(bytes.NewReader(raw), image.DefaultStride)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	return blocks
}

func TestFlashEndToEnd(t *testing.T) {
	cfg := ecusim.DefaultConfig()
	cfg.BusyPolls = 2
	ecu, client := dial(t, cfg)

	raw := testImage()
	var phases []flasher.Phase
	f := flasher.New(client,
		flasher.WithWaitFunc(noWait),
		flasher.WithProgressCallback(func(p flasher.Progress) {
			if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
				phases = append(phases, p.Phase)
			}
		}),
	)

	require.NoError(t, f.Flash(context.Background(), segment(t, raw)))

	base := cfg.FlashBase
	assert.Equal(t, raw[1024:2048], ecu.Memory(base+1024, 1024))
	assert.Equal(t, raw[3072:4096], ecu.Memory(base+3072, 1024))
	assert.Equal(t, raw[0:1024], ecu.Memory(base, 1024), "gap left erased")

	assert.Equal(t, uds.DefaultSession, ecu.Session())
	assert.Equal(t, 2, ecu.Resets())
	assert.Equal(t, 4, ecu.Requests(uds.SIDTransferData))
	assert.Equal(t, 2, ecu.Requests(uds.SIDRequestTransferExit))
	assert.Equal(t, flasher.PhaseDone, phases[len(phases)-1])
}

func TestFlashSmallDeviceChunks(t *testing.T) {
	cfg := ecusim.DefaultConfig()
	cfg.MaxChunk = 100
	ecu, client := dial(t, cfg)

	raw := testImage()
	f := flasher.New(client, flasher.WithWaitFunc(noWait))
	require.NoError(t, f.Flash(context.Background(), segment(t, raw)))

	// 1024 / 100 rounds up to 11 chunks per block
	assert.Equal(t, 22, ecu.Requests(uds.SIDTransferData))
	assert.Equal(t, raw[3072:4096], ecu.Memory(cfg.FlashBase+3072, 1024))
}

func TestFlashChunksFitIsoTPMessage(t *testing.T) {
	cfg := ecusim.DefaultConfig()
	cfg.MaxChunk = 4095
	ecu, client := dial(t, cfg)

	raw := make([]byte, 8192)
	for i := range raw {
		raw[i] = byte(i % 251)
	}
	blocks, err := image.Segment(bytes.NewReader(raw), image.DefaultStride)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	f := flasher.New(client,
		flasher.WithWaitFunc(noWait),
		flasher.WithMaxChunkSize(4095),
		flasher.WithMaxRequestSize(isotp.DefaultParams().MaxFrameSize),
	)
	require.NoError(t, f.Flash(context.Background(), blocks))

	// 4093-byte payloads plus the two header bytes fill a 4095-byte message
	assert.Equal(t, 3, ecu.Requests(uds.SIDTransferData))
	assert.Equal(t, raw, ecu.Memory(cfg.FlashBase, len(raw)))
}

func TestFlashRecoversDroppedResponse(t *testing.T) {
	cfg := ecusim.DefaultConfig()
	cfg.Faults.DropTransferResponse = 2
	ecu, client := dial(t, cfg)

	raw := testImage()
	f := flasher.New(client, flasher.WithWaitFunc(noWait))
	require.NoError(t, f.Flash(context.Background(), segment(t, raw)))

	assert.Equal(t, 5, ecu.Requests(uds.SIDTransferData))
	assert.Equal(t, raw[1024:2048], ecu.Memory(cfg.FlashBase+1024, 1024))
}

func TestFlashChecksumFailure(t *testing.T) {
	cfg := ecusim.DefaultConfig()
	cfg.Faults.ChecksumFailure = true
	ecu, client := dial(t, cfg)

	f := flasher.New(client, flasher.WithWaitFunc(noWait))
	err := f.Flash(context.Background(), segment(t, testImage()))

	var ve *flasher.VerificationError
	require.ErrorAs(t, err, &ve)
	var rf *flasher.RoutineFailedError
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, byte(ecusim.StatusFailed), rf.Status)

	assert.Equal(t, uds.DefaultSession, ecu.Session(), "device is returned to the default session")
	assert.Equal(t, 2, ecu.Resets())
}

func TestFlashEraseRejected(t *testing.T) {
	cfg := ecusim.DefaultConfig()
	cfg.Faults.RejectRoutines = []uint16{cfg.EraseRoutine}
	ecu, client := dial(t, cfg)

	f := flasher.New(client, flasher.WithWaitFunc(noWait))
	err := f.Flash(context.Background(), segment(t, testImage()))

	var pe *flasher.PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, flasher.PhaseEraseStart, pe.Phase)

	var nrc *uds.NegativeResponseError
	require.ErrorAs(t, err, &nrc)
	assert.Equal(t, byte(uds.NRCConditionsNotCorrect), nrc.Code)
	assert.Zero(t, ecu.Requests(uds.SIDRequestDownload))
}

func TestFlashOutsideDeviceFlash(t *testing.T) {
	cfg := ecusim.DefaultConfig()
	ecu, client := dial(t, cfg)

	f := flasher.New(client,
		flasher.WithWaitFunc(noWait),
		flasher.WithFlashBase(cfg.FlashBase+uint32(cfg.FlashSize)),
	)
	err := f.Flash(context.Background(), segment(t, testImage()))

	var pe *flasher.PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, flasher.PhaseDownloadRequest, pe.Phase)
	assert.True(t, uds.IsNegativeResponse(err))
	assert.Equal(t, flasher.DefaultPolicies().Download.MaxAttempts, ecu.Requests(uds.SIDRequestDownload))
}

func TestServerCloseStopsServing(t *testing.T) {
	params := isotp.DefaultParams()
	srv, err := ecusim.Start(bus.NewVirtual(t.Name()), tester, params, ecusim.New(ecusim.DefaultConfig()))
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	client, err := uds.Dial(bus.NewVirtual(t.Name()), tester, params, uds.Config{
		RequestTimeout: 50 * time.Millisecond,
		P2StarTimeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	err = client.ChangeSession(context.Background(), uds.ProgrammingSession)
	assert.True(t, errors.Is(err, uds.ErrTimeout))
	assert.Zero(t, srv.ECU().Requests(uds.SIDDiagnosticSessionControl))
}

func TestStartInvalidAddress(t *testing.T) {
	b := bus.NewVirtual(t.Name())
	_, err := ecusim.Start(b, isotp.NewNormalFixed29Bit(0xF1, 0xF1), isotp.DefaultParams(), ecusim.New(ecusim.DefaultConfig()))
	assert.Error(t, err)
	assert.ErrorIs(t, b.Send(context.Background(), bus.Frame{ID: 1}), bus.ErrClosed)
}
