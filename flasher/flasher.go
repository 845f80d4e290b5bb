package flasher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Awervas/can-loader/image"
	"github.com/Awervas/can-loader/uds"
)

// DiagnosticClient is the device side of a flash run. *uds.Client implements
// it. Every method fails with an error matching uds.ErrTimeout when the device
// does not answer in time and with *uds.NegativeResponseError when it rejects
// the request.
type DiagnosticClient interface {
	ChangeSession(ctx context.Context, session uds.Session) error
	ResetDevice(ctx context.Context, resetType uds.ResetType) error
	RequestDownload(ctx context.Context, address, size uint32) (int, error)
	TransferData(ctx context.Context, sequence byte, data []byte) error
	RequestTransferExit(ctx context.Context) error
	RoutineControl(ctx context.Context, routineID uint16, control uds.RoutineControlType) ([]byte, error)
}

// Flasher drives the reprogramming sequence of one device.
//
// A Flasher runs one Flash at a time; all state of a run lives in the run.
type Flasher struct {
	client DiagnosticClient
	config Config
}

// New creates a new Flasher with the given client and options.
//
// Example:
//
//	client, _ := uds.Dial(b, addr, isotp.DefaultParams(), uds.DefaultConfig())
//	defer client.Close()
//	f := flasher.New(client,
//	    flasher.WithProgressCallback(progressFunc),
//	    flasher.WithMaxChunkSize(256),
//	)
func New(client DiagnosticClient, opts ...Option) *Flasher {
	if client == nil {
		panic("client cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Flasher{
		client: client,
		config: cfg,
	}
}

// Config returns the effective configuration.
func (f *Flasher) Config() Config {
	return f.config
}

// Flash programs blocks, in order, with the full sequence:
//  1. Enter the programming session
//  2. Reset the device and wait for it to settle
//  3. Start the erase routine and poll until complete
//  4. For each block: request download, transfer its chunks, exit transfer
//  5. Start the checksum routine and poll until complete
//  6. Return to the default session and reset the device
//
// Every failure is returned as *PhaseError. A checksum mismatch still runs
// step 6 and is then returned wrapping *VerificationError. An empty block
// list is not an error: nothing is sent to the device.
//
// Cancellation is checked between phases and between chunks; a request
// already sent is always waited for.
//
// Example:
//
//	blocks, _ := image.Load("firmware.bin", image.DefaultStride)
//	if err := f.Flash(ctx, blocks); err != nil {
//	    var pe *flasher.PhaseError
//	    if errors.As(err, &pe) {
//	        log.Printf("failed in %s", pe.Phase)
//	    }
//	}
func (f *Flasher) Flash(ctx context.Context, blocks []*image.Block) error {
	s := &session{
		client:     f.client,
		config:     f.config,
		call:       context.WithoutCancel(ctx),
		blocks:     blocks,
		totalBytes: image.TotalBytes(blocks),
		start:      time.Now(),
		phase:      PhaseInit,
	}

	if len(blocks) == 0 {
		s.logInfo("nothing to flash: image holds no data")
		s.phase = PhaseDone
		s.report(Progress{})
		return nil
	}

	s.logInfo("flash started",
		"blocks", len(blocks),
		"bytes", s.totalBytes,
		"flash_base", fmt.Sprintf("0x%08X", f.config.FlashBase),
	)

	if err := s.run(ctx); err != nil {
		failedIn := s.phase
		var pe *PhaseError
		if errors.As(err, &pe) {
			failedIn = pe.Phase
		}
		s.phase = PhaseFailed
		s.report(Progress{})
		s.logError("flash failed",
			"phase", failedIn.String(),
			"retries", s.retries,
			"elapsed", time.Since(s.start).String(),
			"error", err,
		)
		return err
	}

	s.phase = PhaseDone
	s.block = 0
	s.report(Progress{})
	s.logInfo("flash complete",
		"blocks", len(blocks),
		"bytes", s.bytesWritten,
		"retries", s.retries,
		"elapsed", time.Since(s.start).String(),
	)
	return nil
}

// session is the state of one flash run.
type session struct {
	client DiagnosticClient
	config Config

	// call is the context for device requests; it is never canceled so a
	// request in flight always completes or times out
	call context.Context

	blocks     []*image.Block
	totalBytes int
	start      time.Time

	phase        Phase
	block        int
	chunk        int
	totalChunks  int
	bytesWritten int
	retries      int
}

func (s *session) run(ctx context.Context) error {
	// Phase 1: Reject blocks the sequence counter or the address space
	// cannot cover before touching the device
	if s.chunkCap() < 1 {
		return &PhaseError{Phase: PhaseInit, Err: fmt.Errorf("max request size %d leaves no room for TransferData payload", s.config.MaxRequestSize)}
	}
	for i, b := range s.blocks {
		if _, err := NewPlan(b, s.config.FlashBase, s.chunkCap()); err != nil {
			return &PhaseError{Phase: PhaseInit, Block: i + 1, Err: err}
		}
	}

	// Phase 2: Programming session and reset into the bootloader
	if err := s.changeSession(ctx, PhaseSessionProgramming, uds.ProgrammingSession); err != nil {
		return err
	}
	if err := s.reset(ctx, PhaseReset); err != nil {
		return err
	}

	// Phase 3: Erase
	if err := s.runRoutine(ctx, PhaseEraseStart, PhaseErasePoll, s.config.EraseRoutine); err != nil {
		return err
	}

	// Phase 4: Transfer blocks in ascending offset order
	for i, b := range s.blocks {
		if err := s.transferBlock(ctx, i+1, b); err != nil {
			return err
		}
	}
	s.block = 0

	// Phase 5: Verify
	var verifyErr error
	if err := s.runRoutine(ctx, PhaseVerifyStart, PhaseVerifyPoll, s.config.ChecksumRoutine); err != nil {
		var failed *RoutineFailedError
		if !errors.As(err, &failed) {
			return err
		}
		verifyErr = &PhaseError{Phase: PhaseVerifyPoll, Err: &VerificationError{Err: failed}}
		s.logError("verification failed, returning device to default session", "error", failed)
	}

	// Phase 6: Back to the default session
	finish := func(err error) error {
		if err != nil && verifyErr != nil {
			s.logError("cleanup after failed verification failed", "phase", s.phase.String(), "error", err)
			return verifyErr
		}
		return err
	}

	if err := s.wait(ctx, s.config.FinalizeDelay); err != nil {
		return finish(s.fail(PhaseSessionDefault, err))
	}
	if err := s.changeSession(ctx, PhaseSessionDefault, uds.DefaultSession); err != nil {
		return finish(err)
	}
	if err := s.reset(ctx, PhaseFinalReset); err != nil {
		return finish(err)
	}
	return verifyErr
}

// enter switches to phase unless ctx has ended.
func (s *session) enter(ctx context.Context, phase Phase) error {
	s.phase = phase
	if err := ctx.Err(); err != nil {
		return s.fail(phase, fmt.Errorf("cancelled: %w", err))
	}

	s.logInfo("phase", "phase", phase.String(), "block", s.block)
	s.report(Progress{})
	return nil
}

func (s *session) fail(phase Phase, err error) error {
	return &PhaseError{Phase: phase, Block: s.block, Err: err}
}

func (s *session) changeSession(ctx context.Context, phase Phase, target uds.Session) error {
	if err := s.enter(ctx, phase); err != nil {
		return err
	}

	out := retry(ctx, s, "DiagnosticSessionControl", s.config.Policies.Session, func(n int) Outcome[struct{}] {
		return completed(s.client.ChangeSession(s.call, target))
	})
	if out.Kind != Success {
		return s.fail(phase, fmt.Errorf("enter %s session: %w", target, out.Err))
	}
	return nil
}

func (s *session) reset(ctx context.Context, phase Phase) error {
	if err := s.enter(ctx, phase); err != nil {
		return err
	}

	out := retry(ctx, s, "ECUReset", s.config.Policies.Reset, func(n int) Outcome[struct{}] {
		return completed(s.client.ResetDevice(s.call, s.config.ResetType))
	})
	if out.Kind != Success {
		return s.fail(phase, fmt.Errorf("%s reset: %w", s.config.ResetType, out.Err))
	}

	s.logDebug("waiting for device to settle", "delay", s.config.SettleDelay.String())
	if err := s.wait(ctx, s.config.SettleDelay); err != nil {
		return s.fail(phase, err)
	}
	return nil
}

// runRoutine starts a routine and polls its results until complete.
func (s *session) runRoutine(ctx context.Context, startPhase, pollPhase Phase, routine uint16) error {
	if err := s.enter(ctx, startPhase); err != nil {
		return err
	}

	out := retry(ctx, s, "RoutineControl", s.config.Policies.RoutineStart, func(n int) Outcome[[]byte] {
		return classify(s.client.RoutineControl(s.call, routine, uds.StartRoutine))
	})
	if out.Kind != Success {
		return s.fail(startPhase, fmt.Errorf("start routine 0x%04X: %w", routine, out.Err))
	}

	if err := s.enter(ctx, pollPhase); err != nil {
		return err
	}
	return s.poll(ctx, pollPhase, routine)
}

// poll requests routine results until the last status byte reads complete.
// A timeout, rejection or empty answer costs one poll and nothing more.
func (s *session) poll(ctx context.Context, phase Phase, routine uint16) error {
	timeout := &PollTimeoutError{Routine: routine, Attempts: s.config.PollAttempts}

	for n := 1; n <= s.config.PollAttempts; n++ {
		if err := s.wait(ctx, s.config.PollInterval); err != nil {
			return s.fail(phase, err)
		}

		out := classify(s.client.RoutineControl(s.call, routine, uds.RequestRoutineResults))
		switch out.Kind {
		case Timeout, Rejected:
			s.logDebug("poll without result", "routine", fmt.Sprintf("0x%04X", routine), "poll", n, "outcome", out.Kind.String(), "error", out.Err)
			s.report(Progress{Poll: n})
			continue
		case Failed:
			return s.fail(phase, fmt.Errorf("poll routine 0x%04X: %w", routine, out.Err))
		}

		if len(out.Value) == 0 {
			s.logDebug("poll returned no status", "routine", fmt.Sprintf("0x%04X", routine), "poll", n)
			s.report(Progress{Poll: n})
			continue
		}

		status := out.Value[len(out.Value)-1]
		timeout.LastStatus, timeout.HasStatus = status, true
		s.report(Progress{Poll: n, Status: status, HasStatus: true})
		s.logInfo("routine status",
			"routine", fmt.Sprintf("0x%04X", routine),
			"poll", n,
			"status", fmt.Sprintf("0x%02X", status),
		)

		switch status {
		case RoutineComplete:
			return nil
		case RoutineInProgress:
			continue
		default:
			return s.fail(phase, &RoutineFailedError{Routine: routine, Status: status})
		}
	}

	return s.fail(phase, timeout)
}

// transferBlock opens a download for one block and streams its chunks.
func (s *session) transferBlock(ctx context.Context, index int, b *image.Block) error {
	s.block = index
	s.chunk, s.totalChunks = 0, 0

	if err := s.enter(ctx, PhaseDownloadRequest); err != nil {
		return err
	}

	address := s.config.FlashBase + b.Offset
	dl := retry(ctx, s, "RequestDownload", s.config.Policies.Download, func(n int) Outcome[int] {
		return classify(s.client.RequestDownload(s.call, address, uint32(b.Len())))
	})
	if dl.Kind != Success {
		return s.fail(PhaseDownloadRequest, fmt.Errorf("request download at 0x%08X: %w", address, dl.Err))
	}

	chunkSize := EffectiveChunkSize(dl.Value, s.chunkCap())
	plan, err := NewPlan(b, s.config.FlashBase, chunkSize)
	if err != nil {
		if exitErr := s.client.RequestTransferExit(s.call); exitErr != nil {
			s.logError("transfer exit failed", "block", index, "error", exitErr)
		}
		return s.fail(PhaseDownloadRequest, err)
	}
	s.totalChunks = plan.Len()

	s.logInfo("block",
		"block", index,
		"of", len(s.blocks),
		"address", fmt.Sprintf("0x%08X", address),
		"size", b.Len(),
		"crc", fmt.Sprintf("0x%04X", b.CRC16()),
		"chunks", plan.Len(),
		"chunk_size", chunkSize,
		"device_max", dl.Value,
	)

	if err := s.enter(ctx, PhaseTransfer); err != nil {
		return err
	}

	for c := range plan.Chunks() {
		if err := ctx.Err(); err != nil {
			return s.fail(PhaseTransfer, fmt.Errorf("cancelled before chunk %d: %w", c.Sequence, err))
		}
		s.chunk = c.Sequence

		out := retry(ctx, s, "TransferData", s.config.Policies.Transfer, func(n int) Outcome[struct{}] {
			s.logDebug("sending chunk",
				"block", index,
				"chunk", c.Sequence,
				"of", plan.Len(),
				"counter", c.Counter,
				"address", fmt.Sprintf("0x%08X", c.Address),
				"size", len(c.Data),
				"attempt", n,
			)
			s.report(Progress{Attempt: n})
			return completed(s.client.TransferData(s.call, c.Counter, c.Data))
		})
		if out.Kind != Success {
			return s.fail(PhaseTransfer, fmt.Errorf("chunk %d/%d at 0x%08X: %w", c.Sequence, plan.Len(), c.Address, out.Err))
		}

		s.bytesWritten += len(c.Data)
		s.report(Progress{})

		if err := s.wait(ctx, s.config.ChunkDelay); err != nil {
			return s.fail(PhaseTransfer, err)
		}
	}
	s.chunk = 0

	if err := s.enter(ctx, PhaseTransferExit); err != nil {
		return err
	}
	if err := s.client.RequestTransferExit(s.call); err != nil {
		s.logError("transfer exit failed, continuing", "block", index, "error", err)
	}
	return nil
}

// chunkCap is the configured chunk size limited to what one request can carry.
func (s *session) chunkCap() int {
	return min(s.config.MaxChunkSize, MaxPayload(s.config.MaxRequestSize))
}

func (s *session) wait(ctx context.Context, d time.Duration) error {
	return s.config.Wait(ctx, d)
}

// report fills the run-wide fields of p and hands it to the callback.
func (s *session) report(p Progress) {
	if s.config.ProgressCallback == nil {
		return
	}

	p.Phase = s.phase
	p.Block = s.block
	p.TotalBlocks = len(s.blocks)
	p.Chunk = s.chunk
	p.TotalChunks = s.totalChunks
	p.BytesWritten = s.bytesWritten
	p.TotalBytes = s.totalBytes
	p.ElapsedTime = time.Since(s.start)

	if pct := s.phase.percentage(); pct >= 0 {
		p.Percentage = pct
	} else if s.totalBytes > 0 {
		p.Percentage = transferStartPercent + transferSpanPercent*float64(s.bytesWritten)/float64(s.totalBytes)
	}

	s.config.ProgressCallback(p)
}

// logDebug logs a debug message if a logger is configured.
func (s *session) logDebug(msg string, keysAndValues ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if a logger is configured.
func (s *session) logInfo(msg string, keysAndValues ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if a logger is configured.
func (s *session) logError(msg string, keysAndValues ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Error(msg, keysAndValues...)
	}
}
