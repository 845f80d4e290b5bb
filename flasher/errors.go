package flasher

import (
	"fmt"

	"github.com/Awervas/can-loader/uds"
)

// PhaseError is returned by Flash for every failed run. It names the phase
// that failed and, for per-block phases, the 1-based block number.
type PhaseError struct {
	Phase Phase
	Block int
	Err   error
}

func (e *PhaseError) Error() string {
	if e.Block > 0 {
		return fmt.Sprintf("%s failed (block %d): %v", e.Phase, e.Block, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// SequenceOverflowError indicates a block that needs more chunks than the
// sequence counter can address. It is an input or configuration problem:
// raise the chunk size or split the block.
type SequenceOverflowError struct {
	Offset    uint32
	Size      int
	ChunkSize int
	Chunks    int
}

func (e *SequenceOverflowError) Error() string {
	return fmt.Sprintf("block at offset 0x%08X (%d bytes) needs %d chunks of %d bytes, at most %d allowed",
		e.Offset, e.Size, e.Chunks, e.ChunkSize, MaxChunksPerBlock)
}

// AddressRangeError indicates a block that would run past the end of the
// 32-bit address space once mapped to the flash base. Like
// SequenceOverflowError it is an input or configuration problem.
type AddressRangeError struct {
	Base   uint32
	Offset uint32
	Size   int
}

func (e *AddressRangeError) Error() string {
	return fmt.Sprintf("block at offset 0x%08X (%d bytes) does not fit above flash base 0x%08X",
		e.Offset, e.Size, e.Base)
}

// RoutineFailedError indicates that a device routine reported a status other
// than in progress or complete.
type RoutineFailedError struct {
	Routine uint16
	Status  byte
}

func (e *RoutineFailedError) Error() string {
	return fmt.Sprintf("routine 0x%04X reported failure status 0x%02X", e.Routine, e.Status)
}

// PollTimeoutError indicates that a routine did not complete within the poll
// budget. It matches uds.ErrTimeout with errors.Is.
type PollTimeoutError struct {
	Routine  uint16
	Attempts int

	// LastStatus is the last status byte received, valid if HasStatus
	LastStatus byte
	HasStatus  bool
}

func (e *PollTimeoutError) Error() string {
	if e.HasStatus {
		return fmt.Sprintf("routine 0x%04X not complete after %d polls (last status 0x%02X)",
			e.Routine, e.Attempts, e.LastStatus)
	}
	return fmt.Sprintf("routine 0x%04X not complete after %d polls (no status received)", e.Routine, e.Attempts)
}

func (e *PollTimeoutError) Unwrap() error {
	return uds.ErrTimeout
}

// VerificationError indicates that the checksum routine reported a mismatch.
// The image has been written; the device is not rolled back.
type VerificationError struct {
	Err error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("firmware verification failed: %v", e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}
