package isotp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Awervas/can-loader/bus"
)

var (
	// ErrTimeout is returned when the peer stops sending flow control.
	ErrTimeout = errors.New("isotp: flow control timeout")

	// ErrOverflow is returned when the peer answers a first frame with OVFL.
	ErrOverflow = errors.New("isotp: receiver overflow")

	// ErrWaitLimit is returned after more WAIT flow controls than WftMax.
	ErrWaitLimit = errors.New("isotp: too many flow control WAIT frames")

	// ErrTooLarge is returned by Send for messages above MaxFrameSize.
	ErrTooLarge = errors.New("isotp: message too large")

	// ErrClosed is returned after Close or once the bus stops delivering frames.
	ErrClosed = errors.New("isotp: stack closed")
)

const rxQueueSize = 16

// Stack is one ISO-TP link over a bus. A background notifier reads frames,
// answers first frames with flow control and reassembles messages; Send
// segments outgoing messages following the peer's flow control.
//
// Send calls are serialized. Receive is meant for a single reader.
type Stack struct {
	bus    bus.Bus
	addr   Address
	params Params

	rx chan []byte
	fc chan pdu

	txMu sync.Mutex

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	// reception state, owned by the notifier
	rxBuf      []byte
	rxLen      int
	rxSeq      byte
	rxBlock    int
	rxDeadline time.Time
}

// NewStack validates the configuration and starts the notifier.
func NewStack(b bus.Bus, addr Address, params Params) (*Stack, error) {
	if b == nil {
		return nil, errors.New("isotp: bus cannot be nil")
	}
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	s := &Stack{
		bus:    b,
		addr:   addr,
		params: params,
		rx:     make(chan []byte, rxQueueSize),
		fc:     make(chan pdu, 1),
		cancel: cancel,
		group:  g,
		done:   make(chan struct{}),
	}

	g.Go(func() error {
		defer close(s.done)
		return s.notify(gctx)
	})

	return s, nil
}

// Address returns the link address.
func (s *Stack) Address() Address {
	return s.addr
}

// Send transmits one message, blocking until the last frame is on the bus.
func (s *Stack) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("isotp: empty message")
	}
	if len(payload) > s.params.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(payload), s.params.MaxFrameSize)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	sfMax := s.params.TxDataLength - 1
	if len(payload) <= sfMax {
		return s.sendFrame(ctx, singleFrame(payload))
	}

	// Drop flow control left over from an aborted transfer.
	select {
	case <-s.fc:
	default:
	}

	ffData := s.params.TxDataLength - 2
	if err := s.sendFrame(ctx, firstFrame(len(payload), payload[:ffData])); err != nil {
		return err
	}

	offset := ffData
	seq := byte(1)
	for offset < len(payload) {
		fc, err := s.awaitFlowControl(ctx)
		if err != nil {
			return err
		}

		gap := separationTime(fc.stMin)
		for sent := 0; offset < len(payload) && (fc.blockSize == 0 || sent < int(fc.blockSize)); sent++ {
			if sent > 0 && gap > 0 {
				if err := sleep(ctx, gap); err != nil {
					return err
				}
			}

			n := min(sfMax, len(payload)-offset)
			if err := s.sendFrame(ctx, consecutiveFrame(seq, payload[offset:offset+n])); err != nil {
				return err
			}
			offset += n
			seq = (seq + 1) & 0x0F
		}
	}
	return nil
}

// Receive returns the next complete message.
func (s *Stack) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.rx:
		return msg, nil
	case <-s.done:
		// Deliver what was reassembled before the notifier stopped.
		select {
		case msg := <-s.rx:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the notifier. The bus is left open.
func (s *Stack) Close() error {
	s.cancel()
	err := s.group.Wait()
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
		return nil
	}
	return err
}

func (s *Stack) awaitFlowControl(ctx context.Context) (pdu, error) {
	timer := time.NewTimer(s.params.RxFlowControlTimeout)
	defer timer.Stop()

	waits := 0
	for {
		select {
		case fc := <-s.fc:
			switch fc.status {
			case FlowContinueToSend:
				return fc, nil
			case FlowOverflow:
				return pdu{}, ErrOverflow
			case FlowWait:
				waits++
				if waits > s.params.WftMax {
					return pdu{}, ErrWaitLimit
				}
				timer.Reset(s.params.RxFlowControlTimeout)
			}
		case <-timer.C:
			return pdu{}, ErrTimeout
		case <-s.done:
			return pdu{}, ErrClosed
		case <-ctx.Done():
			return pdu{}, ctx.Err()
		}
	}
}

func (s *Stack) sendFrame(ctx context.Context, data []byte) error {
	if s.params.TxPadding != nil {
		for len(data) < s.params.TxDataLength {
			data = append(data, *s.params.TxPadding)
		}
	}

	f, err := bus.NewFrame(s.addr.TxArbitrationID(), s.addr.Extended(), data)
	if err != nil {
		return err
	}
	if err := s.bus.Send(ctx, f); err != nil {
		if errors.Is(err, bus.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// notify is the receive loop. It returns when ctx ends or the bus fails.
func (s *Stack) notify(ctx context.Context) error {
	for {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if s.receiving() {
			rctx, cancel = context.WithDeadline(ctx, s.rxDeadline)
		}

		f, err := s.bus.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				// Consecutive frame timeout: abandon the partial message.
				s.resetReception()
				continue
			}
			return err
		}

		if f.ID != s.addr.RxArbitrationID() || f.Extended != s.addr.Extended() {
			continue
		}

		p, err := parsePDU(f.Payload())
		if err != nil {
			continue
		}
		s.handle(ctx, p)
	}
}

func (s *Stack) handle(ctx context.Context, p pdu) {
	switch p.kind {
	case pciSingleFrame:
		s.resetReception()
		s.deliver(append([]byte(nil), p.data...))

	case pciFirstFrame:
		s.resetReception()
		if p.length > s.params.MaxFrameSize {
			_ = s.sendFrame(ctx, flowControl(FlowOverflow, 0, 0))
			return
		}
		s.rxLen = p.length
		s.rxBuf = append(make([]byte, 0, p.length), p.data...)
		s.rxSeq = 1
		s.rxBlock = 0
		s.rxDeadline = time.Now().Add(s.params.RxConsecutiveFrameTimeout)
		if err := s.sendFrame(ctx, flowControl(FlowContinueToSend, s.params.BlockSize, s.params.StMin)); err != nil {
			s.resetReception()
		}

	case pciConsecutiveFrame:
		if !s.receiving() {
			return
		}
		if p.seq != s.rxSeq {
			s.resetReception()
			return
		}

		n := min(len(p.data), s.rxLen-len(s.rxBuf))
		s.rxBuf = append(s.rxBuf, p.data[:n]...)
		s.rxSeq = (s.rxSeq + 1) & 0x0F

		if len(s.rxBuf) == s.rxLen {
			msg := s.rxBuf
			s.resetReception()
			s.deliver(msg)
			return
		}

		s.rxDeadline = time.Now().Add(s.params.RxConsecutiveFrameTimeout)
		if s.params.BlockSize > 0 {
			s.rxBlock++
			if s.rxBlock == int(s.params.BlockSize) {
				s.rxBlock = 0
				if err := s.sendFrame(ctx, flowControl(FlowContinueToSend, s.params.BlockSize, s.params.StMin)); err != nil {
					s.resetReception()
				}
			}
		}

	case pciFlowControl:
		// Keep only the latest flow control.
		select {
		case <-s.fc:
		default:
		}
		s.fc <- p
	}
}

func (s *Stack) deliver(msg []byte) {
	select {
	case s.rx <- msg:
	default:
		// Nobody is reading; the message is lost like on a real controller.
	}
}

func (s *Stack) receiving() bool {
	return s.rxBuf != nil
}

func (s *Stack) resetReception() {
	s.rxBuf = nil
	s.rxLen = 0
	s.rxSeq = 0
	s.rxBlock = 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
