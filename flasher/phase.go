package flasher

// Phase is one state of a flash run.
type Phase string

// Phases in execution order. The three per-block phases repeat for every
// block. Failed is entered from any phase when it gives up.
const (
	PhaseInit               Phase = "init"
	PhaseSessionProgramming Phase = "session-programming"
	PhaseReset              Phase = "reset"
	PhaseEraseStart         Phase = "erase-start"
	PhaseErasePoll          Phase = "erase-poll"
	PhaseDownloadRequest    Phase = "download-request"
	PhaseTransfer           Phase = "transfer"
	PhaseTransferExit       Phase = "transfer-exit"
	PhaseVerifyStart        Phase = "verify-start"
	PhaseVerifyPoll         Phase = "verify-poll"
	PhaseSessionDefault     Phase = "session-default"
	PhaseFinalReset         Phase = "final-reset"
	PhaseDone               Phase = "done"
	PhaseFailed             Phase = "failed"
)

func (p Phase) String() string {
	return string(p)
}

// percentage maps a phase to the completion shown on entry. The transfer
// phases fill the range between erase and verify in proportion to bytes.
func (p Phase) percentage() float64 {
	switch p {
	case PhaseInit:
		return 0
	case PhaseSessionProgramming:
		return 1
	case PhaseReset:
		return 2
	case PhaseEraseStart:
		return 3
	case PhaseErasePoll:
		return 4
	case PhaseVerifyStart:
		return 90
	case PhaseVerifyPoll:
		return 92
	case PhaseSessionDefault:
		return 95
	case PhaseFinalReset:
		return 97
	case PhaseDone:
		return 100
	default:
		return -1
	}
}

const (
	transferStartPercent = 5
	transferSpanPercent  = 85
)
