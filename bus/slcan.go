package bus

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SLCANAdapter is the registry name of the serial-line CAN (Lawicel) adapter.
const SLCANAdapter = "slcan"

const (
	defaultSerialBaud = 115200
	defaultBitrate    = 500000
	slcanReadTimeout  = 50 * time.Millisecond
	slcanMaxLine      = 64
)

// slcanBitrates maps CAN bitrates to the Lawicel "Sx" setup command.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

func init() {
	Register(SLCANAdapter, func(cfg Config) (Bus, error) {
		return OpenSLCAN(cfg)
	})
}

// SLCAN drives a USB-to-CAN dongle speaking the Lawicel ASCII protocol.
type SLCAN struct {
	port    serial.Port
	writeMu sync.Mutex
	pending []byte

	mu     sync.Mutex
	closed bool
}

// OpenSLCAN opens the serial port in cfg.Channel, sets the bitrate and opens
// the CAN channel.
func OpenSLCAN(cfg Config) (*SLCAN, error) {
	if cfg.Channel == "" {
		return nil, errors.New("slcan: serial port is required")
	}
	if cfg.SerialBaud == 0 {
		cfg.SerialBaud = defaultSerialBaud
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = defaultBitrate
	}

	code, ok := slcanBitrates[cfg.Bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: unsupported bitrate %d", cfg.Bitrate)
	}

	port, err := serial.Open(cfg.Channel, &serial.Mode{BaudRate: cfg.SerialBaud})
	if err != nil {
		return nil, fmt.Errorf("slcan: open %s: %w", cfg.Channel, err)
	}
	if err := port.SetReadTimeout(slcanReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("slcan: set read timeout: %w", err)
	}

	s := &SLCAN{port: port}

	// Close first in case a previous session left the channel open.
	for _, cmd := range [][]byte{[]byte("C\r"), {'S', code, '\r'}, []byte("O\r")} {
		if _, err := port.Write(cmd); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("slcan: setup %q: %w", bytes.TrimSpace(cmd), err)
		}
	}

	return s, nil
}

func (s *SLCAN) Send(ctx context.Context, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.port.Write(encodeSLCAN(f)); err != nil {
		return fmt.Errorf("slcan: write: %w", err)
	}
	return nil
}

func (s *SLCAN) Receive(ctx context.Context) (Frame, error) {
	buf := make([]byte, slcanMaxLine)
	for {
		if f, ok := s.nextFrame(); ok {
			return f, nil
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if s.isClosed() {
			return Frame{}, ErrClosed
		}

		n, err := s.port.Read(buf)
		if err != nil {
			if s.isClosed() {
				return Frame{}, ErrClosed
			}
			return Frame{}, fmt.Errorf("slcan: read: %w", err)
		}
		s.pending = append(s.pending, buf[:n]...)
	}
}

// nextFrame consumes buffered lines until a data frame is decoded.
// Acknowledgements, status replies and malformed lines are skipped.
func (s *SLCAN) nextFrame() (Frame, bool) {
	for {
		idx := bytes.IndexAny(s.pending, "\r\a")
		if idx < 0 {
			if len(s.pending) > slcanMaxLine {
				s.pending = s.pending[:0]
			}
			return Frame{}, false
		}

		line := s.pending[:idx]
		s.pending = s.pending[idx+1:]

		if f, err := decodeSLCAN(line); err == nil {
			return f, true
		}
	}
}

func (s *SLCAN) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_, _ = s.port.Write([]byte("C\r"))
	s.writeMu.Unlock()

	return s.port.Close()
}

func (s *SLCAN) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// encodeSLCAN renders a frame as "tIIILDD..\r" or "TIIIIIIIILDD..\r".
func encodeSLCAN(f Frame) []byte {
	var b bytes.Buffer
	if f.Extended {
		fmt.Fprintf(&b, "T%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "t%03X", f.ID)
	}
	b.WriteByte('0' + f.Len)
	b.WriteString(fmt.Sprintf("%X", f.Payload()))
	b.WriteByte('\r')
	return b.Bytes()
}

// decodeSLCAN parses one line without its terminator.
func decodeSLCAN(line []byte) (Frame, error) {
	if len(line) == 0 {
		return Frame{}, errors.New("slcan: empty line")
	}

	var idLen int
	var f Frame
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen = 8
		f.Extended = true
	default:
		return Frame{}, fmt.Errorf("slcan: not a data frame: %q", line)
	}

	if len(line) < 1+idLen+1 {
		return Frame{}, fmt.Errorf("slcan: short frame: %q", line)
	}

	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad identifier: %w", err)
	}
	f.ID = uint32(id)

	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return Frame{}, fmt.Errorf("slcan: bad length %q", dlc)
	}
	f.Len = dlc - '0'

	data := line[2+idLen:]
	if len(data) < int(f.Len)*2 {
		return Frame{}, fmt.Errorf("slcan: truncated data: %q", line)
	}
	if _, err := hex.Decode(f.Data[:f.Len], data[:int(f.Len)*2]); err != nil {
		return Frame{}, fmt.Errorf("slcan: bad data: %w", err)
	}

	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
