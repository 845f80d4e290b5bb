package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/Awervas/can-loader/flasher"
)

const (
	defaultBarWidth = 40
	minBarWidth     = 10
)

// progressRenderer prints flash progress. On a terminal the transfer is a
// single redrawn bar; elsewhere only phase, poll and retry lines are written.
type progressRenderer struct {
	out   io.Writer
	tty   bool
	width int

	last    flasher.Progress
	started bool
	barOpen bool
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	r := &progressRenderer{out: out, width: defaultBarWidth}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.tty = true
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil {
			r.width = max(minBarWidth, min(defaultBarWidth, cols-40))
		}
	}
	return r
}

// Update is a flasher.ProgressCallback.
func (r *progressRenderer) Update(p flasher.Progress) {
	entered := !r.started || p.Phase != r.last.Phase || p.Block != r.last.Block
	r.started = true
	r.last = p

	switch {
	case p.Phase == flasher.PhaseDone || p.Phase == flasher.PhaseFailed:
		return
	case entered:
		r.endBar()
		r.printPhase(p)
	case p.Attempt > 1:
		r.endBar()
		if p.Chunk > 0 {
			fmt.Fprintf(r.out, "    retry: chunk %d/%d attempt %d\n", p.Chunk, p.TotalChunks, p.Attempt)
		} else {
			fmt.Fprintf(r.out, "    retry: attempt %d\n", p.Attempt)
		}
	case p.Poll > 0:
		r.endBar()
		if p.HasStatus {
			fmt.Fprintf(r.out, "    poll %d: status 0x%02X\n", p.Poll, p.Status)
		} else {
			fmt.Fprintf(r.out, "    poll %d: no status\n", p.Poll)
		}
	}

	if p.Phase == flasher.PhaseTransfer && r.tty {
		r.drawBar(p)
	}
}

// Finish closes the output with a summary line.
func (r *progressRenderer) Finish(err error) {
	r.endBar()
	elapsed := r.last.ElapsedTime.Round(time.Millisecond)
	if err != nil {
		fmt.Fprintf(r.out, "==> failed after %s (%d/%d bytes written)\n", elapsed, r.last.BytesWritten, r.last.TotalBytes)
		return
	}
	fmt.Fprintf(r.out, "==> done: %d bytes in %d blocks, %s\n", r.last.BytesWritten, r.last.TotalBlocks, elapsed)
}

func (r *progressRenderer) printPhase(p flasher.Progress) {
	var b strings.Builder
	fmt.Fprintf(&b, "==> %s", p.Phase)
	if p.Block > 0 {
		fmt.Fprintf(&b, " (block %d/%d)", p.Block, p.TotalBlocks)
	}
	if p.Phase == flasher.PhaseTransfer {
		fmt.Fprintf(&b, ": %d chunks", p.TotalChunks)
	}
	fmt.Fprintln(r.out, b.String())
}

func (r *progressRenderer) drawBar(p flasher.Progress) {
	filled := int(float64(r.width) * p.Percentage / 100)
	filled = max(0, min(r.width, filled))

	bar := strings.Repeat("#", filled) + strings.Repeat(".", r.width-filled)
	fmt.Fprintf(r.out, "\r\033[K[%s] %5.1f%% %d/%d bytes", bar, p.Percentage, p.BytesWritten, p.TotalBytes)
	r.barOpen = true
}

func (r *progressRenderer) endBar() {
	if r.barOpen {
		fmt.Fprintln(r.out)
		r.barOpen = false
	}
}
