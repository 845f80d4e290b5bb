//go:build linux

package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// socketPollInterval bounds how long a blocking read waits before the context
// is checked again.
const socketPollInterval = 100 * time.Millisecond

func init() {
	Register(SocketCANAdapter, func(cfg Config) (Bus, error) {
		return OpenSocketCAN(cfg.Channel)
	})
}

// SocketCAN is a raw CAN_RAW socket bound to one Linux network interface.
// The interface bitrate is configured by the system (ip link), not here.
type SocketCAN struct {
	fd     int
	mu     sync.Mutex
	closed bool
}

// OpenSocketCAN binds a raw CAN socket to the named interface, e.g. "can0".
func OpenSocketCAN(iface string) (*SocketCAN, error) {
	if iface == "" {
		return nil, errors.New("socketcan: interface name is required")
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan: lookup %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind %s: %w", iface, err)
	}

	tv := unix.NsecToTimeval(socketPollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: set read timeout: %w", err)
	}

	return &SocketCAN{fd: fd}, nil
}

func (s *SocketCAN) Send(ctx context.Context, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := unix.Write(s.fd, marshalCANFrame(f)); err != nil {
		return fmt.Errorf("socketcan: write: %w", err)
	}
	return nil
}

func (s *SocketCAN) Receive(ctx context.Context) (Frame, error) {
	buf := make([]byte, canFrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if s.isClosed() {
			return Frame{}, ErrClosed
		}

		n, err := unix.Read(s.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if s.isClosed() {
				return Frame{}, ErrClosed
			}
			return Frame{}, fmt.Errorf("socketcan: read: %w", err)
		}

		f, ok, err := unmarshalCANFrame(buf[:n])
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return f, nil
		}
	}
}

func (s *SocketCAN) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *SocketCAN) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
