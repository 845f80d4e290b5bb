package ecusim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Awervas/can-loader/uds"
)

// Routine status bytes reported in results responses.
const (
	StatusInProgress = 0x01
	StatusComplete   = 0x02
	StatusFailed     = 0x03
)

// Config describes the simulated device.
type Config struct {
	// FlashBase and FlashSize bound the writable address range
	FlashBase uint32
	FlashSize int

	// MaxChunk is advertised in RequestDownload responses
	MaxChunk uint16

	// EraseRoutine and ChecksumRoutine are the routine identifiers served
	EraseRoutine    uint16
	ChecksumRoutine uint16

	// BusyPolls is how many results polls report in progress before a
	// routine completes
	BusyPolls int

	// ResponseDelay is applied before every response
	ResponseDelay time.Duration

	Faults Faults
}

// Faults injects misbehavior.
type Faults struct {
	// DropTransferResponse drops the response to the Nth TransferData
	// request (1-based, counted over the device lifetime). The data is still
	// written. Zero disables.
	DropTransferResponse int

	// RejectRoutines answers a start of any listed routine with
	// conditionsNotCorrect
	RejectRoutines []uint16

	// ChecksumFailure makes the checksum routine report StatusFailed
	ChecksumFailure bool
}

// DefaultConfig returns a device matching the flasher defaults.
func DefaultConfig() Config {
	return Config{
		FlashBase:       0x08020000,
		FlashSize:       384 * 1024,
		MaxChunk:        512,
		EraseRoutine:    0xFF00,
		ChecksumRoutine: 0xFF01,
		BusyPolls:       1,
	}
}

// Option configures an ECU.
type Option func(*ECU)

// WithLogger sets the logger for served requests.
func WithLogger(logger *zap.Logger) Option {
	return func(e *ECU) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type download struct {
	address  uint32
	size     uint32
	received uint32
	next     byte
	last     byte
}

type routine struct {
	busy   int
	status byte
}

// ECU is an in-memory UDS server for the reprogramming services.
type ECU struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	session  uds.Session
	flash    []byte
	download *download
	routines map[uint16]*routine

	transfers int
	requests  map[byte]int
	resets    int
}

// New creates a device in the default session with erased flash.
func New(cfg Config, opts ...Option) *ECU {
	e := &ECU{
		config:   cfg,
		logger:   zap.NewNop(),
		session:  uds.DefaultSession,
		flash:    make([]byte, cfg.FlashSize),
		routines: make(map[uint16]*routine),
		requests: make(map[byte]int),
	}
	for i := range e.flash {
		e.flash[i] = 0xFF
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle serves one request and returns the response, or nil when the
// response is dropped.
func (e *ECU) Handle(req []byte) []byte {
	if len(req) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sid := req[0]
	e.requests[sid]++
	e.logger.Debug("request",
		zap.String("service", uds.ServiceName(sid)),
		zap.Int("length", len(req)),
		zap.Stringer("session", e.session),
	)

	var resp []byte
	switch sid {
	case uds.SIDDiagnosticSessionControl:
		resp = e.sessionControl(req)
	case uds.SIDECUReset:
		resp = e.reset(req)
	case uds.SIDRoutineControl:
		resp = e.routineControl(req)
	case uds.SIDRequestDownload:
		resp = e.requestDownload(req)
	case uds.SIDTransferData:
		resp = e.transferData(req)
	case uds.SIDRequestTransferExit:
		resp = e.transferExit(req)
	default:
		resp = uds.BuildNegativeResponse(sid, uds.NRCServiceNotSupported)
	}

	if resp == nil {
		e.logger.Debug("response dropped", zap.String("service", uds.ServiceName(sid)))
	} else if resp[0] == uds.SIDNegativeResponse {
		e.logger.Info("request rejected",
			zap.String("service", uds.ServiceName(sid)),
			zap.Uint8("nrc", resp[2]),
		)
	}
	return resp
}

func (e *ECU) sessionControl(req []byte) []byte {
	if len(req) != 2 {
		return uds.BuildNegativeResponse(req[0], uds.NRCIncorrectMessageLength)
	}

	s := uds.Session(req[1])
	switch s {
	case uds.DefaultSession, uds.ProgrammingSession, uds.ExtendedSession:
	default:
		return uds.BuildNegativeResponse(req[0], uds.NRCSubFunctionNotSupported)
	}

	if s != e.session {
		e.logger.Info("session changed", zap.Stringer("from", e.session), zap.Stringer("to", s))
		e.session = s
		e.download = nil
	}
	// P2 25 ms, P2* 5000 ms in 10 ms units
	return uds.BuildPositiveResponse(req[0], req[1], 0x00, 0x19, 0x01, 0xF4)
}

func (e *ECU) reset(req []byte) []byte {
	if len(req) != 2 {
		return uds.BuildNegativeResponse(req[0], uds.NRCIncorrectMessageLength)
	}

	switch uds.ResetType(req[1]) {
	case uds.HardReset, uds.KeyOffOnReset, uds.SoftReset:
	default:
		return uds.BuildNegativeResponse(req[0], uds.NRCSubFunctionNotSupported)
	}

	// A reset requested from the programming session boots into the
	// bootloader, which stays in the programming session.
	if e.session != uds.ProgrammingSession {
		e.session = uds.DefaultSession
	}
	e.download = nil
	e.routines = make(map[uint16]*routine)
	e.resets++
	e.logger.Info("reset", zap.Stringer("type", uds.ResetType(req[1])), zap.Stringer("session", e.session))

	return uds.BuildPositiveResponse(req[0], req[1])
}

func (e *ECU) routineControl(req []byte) []byte {
	if len(req) < 4 {
		return uds.BuildNegativeResponse(req[0], uds.NRCIncorrectMessageLength)
	}

	control := uds.RoutineControlType(req[1])
	id := binary.BigEndian.Uint16(req[2:4])
	if id != e.config.EraseRoutine && id != e.config.ChecksumRoutine {
		return uds.BuildNegativeResponse(req[0], uds.NRCRequestOutOfRange)
	}
	if e.session != uds.ProgrammingSession {
		return uds.BuildNegativeResponse(req[0], uds.NRCConditionsNotCorrect)
	}

	switch control {
	case uds.StartRoutine:
		for _, r := range e.config.Faults.RejectRoutines {
			if r == id {
				return uds.BuildNegativeResponse(req[0], uds.NRCConditionsNotCorrect)
			}
		}
		e.routines[id] = &routine{busy: e.config.BusyPolls, status: e.finalStatus(id)}
		if id == e.config.EraseRoutine {
			for i := range e.flash {
				e.flash[i] = 0xFF
			}
		}
		return uds.BuildPositiveResponse(req[0], req[1], req[2], req[3])

	case uds.RequestRoutineResults:
		r, ok := e.routines[id]
		if !ok {
			return uds.BuildNegativeResponse(req[0], uds.NRCRequestSequenceError)
		}
		status := r.status
		if r.busy > 0 {
			r.busy--
			status = StatusInProgress
		}
		return uds.BuildPositiveResponse(req[0], req[1], req[2], req[3], status)

	default:
		return uds.BuildNegativeResponse(req[0], uds.NRCSubFunctionNotSupported)
	}
}

func (e *ECU) finalStatus(id uint16) byte {
	if id == e.config.ChecksumRoutine && e.config.Faults.ChecksumFailure {
		return StatusFailed
	}
	return StatusComplete
}

func (e *ECU) requestDownload(req []byte) []byte {
	if e.session != uds.ProgrammingSession {
		return uds.BuildNegativeResponse(req[0], uds.NRCConditionsNotCorrect)
	}

	dl, err := uds.ParseRequestDownload(req[1:])
	if err != nil {
		return uds.BuildNegativeResponse(req[0], uds.NRCIncorrectMessageLength)
	}
	if dl.DataFormat != uds.DataFormatPlain {
		return uds.BuildNegativeResponse(req[0], uds.NRCRequestOutOfRange)
	}
	if !e.inFlash(dl.Address, dl.Size) || dl.Size == 0 {
		return uds.BuildNegativeResponse(req[0], uds.NRCRequestOutOfRange)
	}

	e.download = &download{address: dl.Address, size: dl.Size, next: 1}
	e.logger.Info("download opened",
		zap.String("address", hex32(dl.Address)),
		zap.Uint32("size", dl.Size),
	)
	return uds.BuildRequestDownloadResponse(e.config.MaxChunk)
}

func (e *ECU) transferData(req []byte) []byte {
	if len(req) < 2 {
		return uds.BuildNegativeResponse(req[0], uds.NRCIncorrectMessageLength)
	}
	e.transfers++
	drop := e.transfers == e.config.Faults.DropTransferResponse

	dl := e.download
	if dl == nil {
		return uds.BuildNegativeResponse(req[0], uds.NRCRequestSequenceError)
	}

	seq, data := req[1], req[2:]
	switch {
	case seq == dl.next:
		if len(data) == 0 || len(data) > int(e.config.MaxChunk) {
			return uds.BuildNegativeResponse(req[0], uds.NRCIncorrectMessageLength)
		}
		if uint64(dl.received)+uint64(len(data)) > uint64(dl.size) {
			return uds.BuildNegativeResponse(req[0], uds.NRCTransferDataSuspended)
		}
		start := int(dl.address-e.config.FlashBase) + int(dl.received)
		copy(e.flash[start:], data)
		dl.received += uint32(len(data))
		dl.last = seq
		dl.next = seq + 1
	case seq == dl.last && dl.received > 0:
		// repeat of the last accepted chunk, already written
	default:
		return uds.BuildNegativeResponse(req[0], uds.NRCWrongBlockSequenceCounter)
	}

	if drop {
		return nil
	}
	return uds.BuildPositiveResponse(req[0], seq)
}

func (e *ECU) transferExit(req []byte) []byte {
	dl := e.download
	if dl == nil {
		return uds.BuildNegativeResponse(req[0], uds.NRCRequestSequenceError)
	}
	e.download = nil

	if dl.received != dl.size {
		e.logger.Error("download incomplete",
			zap.String("address", hex32(dl.address)),
			zap.Uint32("received", dl.received),
			zap.Uint32("size", dl.size),
		)
		return uds.BuildNegativeResponse(req[0], uds.NRCGeneralProgrammingFailure)
	}
	return uds.BuildPositiveResponse(req[0])
}

func (e *ECU) inFlash(address, size uint32) bool {
	if address < e.config.FlashBase {
		return false
	}
	end := uint64(address-e.config.FlashBase) + uint64(size)
	return end <= uint64(len(e.flash))
}

// Memory returns a copy of n bytes of flash at address.
func (e *ECU) Memory(address uint32, n int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n < 0 || !e.inFlash(address, uint32(n)) {
		return nil
	}
	start := int(address - e.config.FlashBase)
	return append([]byte(nil), e.flash[start:start+n]...)
}

// Session returns the active diagnostic session.
func (e *ECU) Session() uds.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Requests returns how many requests of a service were received.
func (e *ECU) Requests(sid byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[sid]
}

// Resets returns the number of accepted resets.
func (e *ECU) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}
