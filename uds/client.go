package uds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Awervas/can-loader/bus"
	"github.com/Awervas/can-loader/isotp"
)

// Transport carries whole diagnostic messages. *isotp.Stack implements it.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// Config holds client timing.
type Config struct {
	// RequestTimeout bounds the wait for the first response to a request
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// P2StarTimeout is the extended wait after a response-pending (0x78)
	P2StarTimeout time.Duration `yaml:"p2_star_timeout"`
}

// DefaultConfig returns a 5 second request timeout and a 5 second extended
// timeout.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 5 * time.Second,
		P2StarTimeout:  5 * time.Second,
	}
}

// Client issues one diagnostic request at a time over a Transport.
type Client struct {
	transport Transport
	config    Config
	closers   []func() error

	mu sync.Mutex
}

// NewClient wraps an already connected transport. Close is a no-op for the
// transport itself.
func NewClient(transport Transport, config Config) *Client {
	if transport == nil {
		panic("uds: transport cannot be nil")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if config.P2StarTimeout <= 0 {
		config.P2StarTimeout = DefaultConfig().P2StarTimeout
	}
	return &Client{transport: transport, config: config}
}

// Dial starts an ISO-TP stack on b and returns a client that owns both. Close
// stops the stack and shuts the bus down.
//
// Example:
//
//	b, err := bus.Open("socketcan", bus.Config{Channel: "can0"})
//	if err != nil {
//	    return err
//	}
//	client, err := uds.Dial(b, isotp.NewNormalFixed29Bit(0xF3, 0xF1), isotp.DefaultParams(), uds.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func Dial(b bus.Bus, addr isotp.Address, params isotp.Params, config Config) (*Client, error) {
	stack, err := isotp.NewStack(b, addr, params)
	if err != nil {
		_ = b.Shutdown()
		return nil, err
	}

	c := NewClient(stack, config)
	c.closers = []func() error{stack.Close, b.Shutdown}
	return c, nil
}

// Close releases everything Dial acquired. Every step runs even if an
// earlier one fails.
func (c *Client) Close() error {
	var errs []error
	for _, closer := range c.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// ChangeSession switches the diagnostic session.
func (c *Client) ChangeSession(ctx context.Context, session Session) error {
	_, err := c.request(ctx, BuildDiagnosticSessionControl(session), func(data []byte) bool {
		return len(data) >= 1 && data[0] == byte(session)
	})
	return err
}

// ResetDevice requests an ECU reset.
func (c *Client) ResetDevice(ctx context.Context, resetType ResetType) error {
	_, err := c.request(ctx, BuildECUReset(resetType), func(data []byte) bool {
		return len(data) >= 1 && data[0] == byte(resetType)
	})
	return err
}

// RequestDownload opens [address, address+size) for writing and returns the
// device's maxNumberOfBlockLength.
func (c *Client) RequestDownload(ctx context.Context, address, size uint32) (int, error) {
	data, err := c.request(ctx, BuildRequestDownload(address, size), nil)
	if err != nil {
		return 0, err
	}
	return ParseRequestDownloadResponse(data)
}

// TransferData sends one chunk. Responses echoing a different sequence
// counter are treated as late answers to earlier attempts and skipped.
func (c *Client) TransferData(ctx context.Context, sequence byte, data []byte) error {
	_, err := c.request(ctx, BuildTransferData(sequence, data), func(resp []byte) bool {
		return len(resp) >= 1 && resp[0] == sequence
	})
	return err
}

// RequestTransferExit closes the current download.
func (c *Client) RequestTransferExit(ctx context.Context) error {
	_, err := c.request(ctx, BuildRequestTransferExit(), nil)
	return err
}

// RoutineControl starts, stops or polls a routine and returns its status
// record.
func (c *Client) RoutineControl(ctx context.Context, routineID uint16, control RoutineControlType) ([]byte, error) {
	data, err := c.request(ctx, BuildRoutineControl(control, routineID), func(resp []byte) bool {
		_, err := ParseRoutineControlResponse(resp, control, routineID)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return ParseRoutineControlResponse(data, control, routineID)
}

// request sends req and waits for its final response. Positive responses for
// other services, or rejected by accept, are ignored. Response-pending
// extends the deadline by P2StarTimeout.
func (c *Client) request(ctx context.Context, req []byte, accept func(data []byte) bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	service := req[0]
	name := ServiceName(service)
	deadline := time.Now().Add(c.config.RequestTimeout)

	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	err := c.transport.Send(sendCtx, req)
	cancel()
	if err != nil {
		return nil, c.transportError(ctx, name, "send", err)
	}

	for {
		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		resp, err := c.transport.Receive(recvCtx)
		cancel()
		if err != nil {
			return nil, c.transportError(ctx, name, "receive", err)
		}

		data, err := ParseResponse(service, resp)
		var nrc *NegativeResponseError
		switch {
		case errors.As(err, &nrc):
			if nrc.Code == NRCResponsePending {
				deadline = time.Now().Add(c.config.P2StarTimeout)
				continue
			}
			return nil, nrc
		case err != nil:
			// Unrelated or malformed message.
			continue
		case accept != nil && !accept(data):
			continue
		}
		return data, nil
	}
}

func (c *Client) transportError(ctx context.Context, name, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, isotp.ErrTimeout) {
		return fmt.Errorf("%w: %s %s: %w", ErrTimeout, name, op, err)
	}
	return fmt.Errorf("%s %s: %w", name, op, err)
}
