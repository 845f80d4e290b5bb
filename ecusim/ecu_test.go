package ecusim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Awervas/can-loader/uds"
)

func programming(t *testing.T, e *ECU) {
	t.Helper()
	resp := e.Handle(uds.BuildDiagnosticSessionControl(uds.ProgrammingSession))
	require.Equal(t, []byte{0x50, 0x02, 0x00, 0x19, 0x01, 0xF4}, resp)
}

func nrc(sid, code byte) []byte {
	return uds.BuildNegativeResponse(sid, code)
}

func TestSessionControl(t *testing.T) {
	e := New(DefaultConfig())
	assert.Equal(t, uds.DefaultSession, e.Session())

	programming(t, e)
	assert.Equal(t, uds.ProgrammingSession, e.Session())

	// repeating the active session is accepted
	programming(t, e)

	assert.Equal(t, nrc(0x10, uds.NRCSubFunctionNotSupported), e.Handle([]byte{0x10, 0x7F}))
	assert.Equal(t, nrc(0x10, uds.NRCIncorrectMessageLength), e.Handle([]byte{0x10}))
}

func TestReset(t *testing.T) {
	e := New(DefaultConfig())

	e.Handle(uds.BuildDiagnosticSessionControl(uds.ExtendedSession))
	assert.Equal(t, []byte{0x51, 0x01}, e.Handle(uds.BuildECUReset(uds.HardReset)))
	assert.Equal(t, uds.DefaultSession, e.Session())

	programming(t, e)
	assert.Equal(t, []byte{0x51, 0x03}, e.Handle(uds.BuildECUReset(uds.SoftReset)))
	assert.Equal(t, uds.ProgrammingSession, e.Session(), "bootloader comes back in programming session")
	assert.Equal(t, 2, e.Resets())

	assert.Equal(t, nrc(0x11, uds.NRCSubFunctionNotSupported), e.Handle([]byte{0x11, 0x09}))
}

func TestRoutines(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusyPolls = 2
	e := New(cfg)

	start := uds.BuildRoutineControl(uds.StartRoutine, 0xFF00)
	results := uds.BuildRoutineControl(uds.RequestRoutineResults, 0xFF00)

	assert.Equal(t, nrc(0x31, uds.NRCConditionsNotCorrect), e.Handle(start), "needs programming session")

	programming(t, e)
	assert.Equal(t, nrc(0x31, uds.NRCRequestSequenceError), e.Handle(results))
	assert.Equal(t, []byte{0x71, 0x01, 0xFF, 0x00}, e.Handle(start))
	assert.Equal(t, []byte{0x71, 0x03, 0xFF, 0x00, StatusInProgress}, e.Handle(results))
	assert.Equal(t, []byte{0x71, 0x03, 0xFF, 0x00, StatusInProgress}, e.Handle(results))
	assert.Equal(t, []byte{0x71, 0x03, 0xFF, 0x00, StatusComplete}, e.Handle(results))
	assert.Equal(t, []byte{0x71, 0x03, 0xFF, 0x00, StatusComplete}, e.Handle(results))

	assert.Equal(t, nrc(0x31, uds.NRCRequestOutOfRange), e.Handle(uds.BuildRoutineControl(uds.StartRoutine, 0x1234)))
	assert.Equal(t, nrc(0x31, uds.NRCSubFunctionNotSupported), e.Handle(uds.BuildRoutineControl(uds.StopRoutine, 0xFF00)))
}

func TestRoutineFaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusyPolls = 0
	cfg.Faults.RejectRoutines = []uint16{0xFF00}
	cfg.Faults.ChecksumFailure = true
	e := New(cfg)
	programming(t, e)

	assert.Equal(t, nrc(0x31, uds.NRCConditionsNotCorrect), e.Handle(uds.BuildRoutineControl(uds.StartRoutine, 0xFF00)))

	e.Handle(uds.BuildRoutineControl(uds.StartRoutine, 0xFF01))
	assert.Equal(t, []byte{0x71, 0x03, 0xFF, 0x01, StatusFailed}, e.Handle(uds.BuildRoutineControl(uds.RequestRoutineResults, 0xFF01)))
}

func TestDownload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChunk = 8
	e := New(cfg)
	base := cfg.FlashBase

	download := uds.BuildRequestDownload(base+0x100, 16)
	assert.Equal(t, nrc(0x34, uds.NRCConditionsNotCorrect), e.Handle(download))

	programming(t, e)
	assert.Equal(t, nrc(0x36, uds.NRCRequestSequenceError), e.Handle(uds.BuildTransferData(1, []byte{1})))
	assert.Equal(t, nrc(0x37, uds.NRCRequestSequenceError), e.Handle(uds.BuildRequestTransferExit()))

	assert.Equal(t, uds.BuildRequestDownloadResponse(8), e.Handle(download))

	first := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	second := []byte{9, 10, 11, 12, 13, 14, 15, 16}

	assert.Equal(t, []byte{0x76, 0x01}, e.Handle(uds.BuildTransferData(1, first)))
	assert.Equal(t, []byte{0x76, 0x01}, e.Handle(uds.BuildTransferData(1, []byte{0xAA})), "repeat is acknowledged, not written")
	assert.Equal(t, nrc(0x36, uds.NRCWrongBlockSequenceCounter), e.Handle(uds.BuildTransferData(3, second)))
	assert.Equal(t, nrc(0x36, uds.NRCIncorrectMessageLength), e.Handle(uds.BuildTransferData(2, make([]byte, 9))))
	assert.Equal(t, []byte{0x76, 0x02}, e.Handle(uds.BuildTransferData(2, second)))
	assert.Equal(t, nrc(0x36, uds.NRCTransferDataSuspended), e.Handle(uds.BuildTransferData(3, []byte{0})))
	assert.Equal(t, []byte{0x77}, e.Handle(uds.BuildRequestTransferExit()))

	assert.Equal(t, append(first, second...), e.Memory(base+0x100, 16))
	assert.Equal(t, []byte{0xFF, 0xFF}, e.Memory(base+0x110, 2))
	assert.Equal(t, 7, e.Requests(uds.SIDTransferData))
}

func TestDownloadIncompleteExit(t *testing.T) {
	e := New(DefaultConfig())
	programming(t, e)

	e.Handle(uds.BuildRequestDownload(DefaultConfig().FlashBase, 100))
	e.Handle(uds.BuildTransferData(1, make([]byte, 50)))
	assert.Equal(t, nrc(0x37, uds.NRCGeneralProgrammingFailure), e.Handle(uds.BuildRequestTransferExit()))
}

func TestDownloadOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	e := New(cfg)
	programming(t, e)

	tests := []struct {
		name    string
		address uint32
		size    uint32
	}{
		{"below base", cfg.FlashBase - 1, 16},
		{"past end", cfg.FlashBase + uint32(cfg.FlashSize) - 8, 16},
		{"empty", cfg.FlashBase, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.Handle(uds.BuildRequestDownload(tt.address, tt.size))
			assert.Equal(t, nrc(0x34, uds.NRCRequestOutOfRange), resp)
		})
	}

	assert.Equal(t, nrc(0x34, uds.NRCIncorrectMessageLength), e.Handle([]byte{0x34, 0x00}))
}

func TestEraseClearsFlash(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusyPolls = 0
	e := New(cfg)
	programming(t, e)

	e.Handle(uds.BuildRequestDownload(cfg.FlashBase, 4))
	e.Handle(uds.BuildTransferData(1, []byte{0, 0, 0, 0}))
	e.Handle(uds.BuildRequestTransferExit())
	require.Equal(t, []byte{0, 0, 0, 0}, e.Memory(cfg.FlashBase, 4))

	e.Handle(uds.BuildRoutineControl(uds.StartRoutine, cfg.EraseRoutine))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, e.Memory(cfg.FlashBase, 4))
}

func TestDropTransferResponse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Faults.DropTransferResponse = 2
	e := New(cfg)
	programming(t, e)

	e.Handle(uds.BuildRequestDownload(cfg.FlashBase, 3))
	assert.NotNil(t, e.Handle(uds.BuildTransferData(1, []byte{1})))
	assert.Nil(t, e.Handle(uds.BuildTransferData(2, []byte{2})))
	assert.Equal(t, []byte{0x76, 0x02}, e.Handle(uds.BuildTransferData(2, []byte{2})))
	assert.Equal(t, []byte{0x76, 0x03}, e.Handle(uds.BuildTransferData(3, []byte{3})))
	assert.Equal(t, []byte{1, 2, 3}, e.Memory(cfg.FlashBase, 3))
}

func TestUnknownService(t *testing.T) {
	e := New(DefaultConfig())
	assert.Equal(t, nrc(0x22, uds.NRCServiceNotSupported), e.Handle([]byte{0x22, 0xF1, 0x90}))
	assert.Nil(t, e.Handle(nil))
	assert.Nil(t, e.Memory(0, 4))
}
