package ecusim

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Awervas/can-loader/bus"
	"github.com/Awervas/can-loader/isotp"
)

// Transport carries whole diagnostic messages. *isotp.Stack implements it.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// Serve answers requests from t until ctx ends or t fails. It returns nil
// when ctx ends.
func (e *ECU) Serve(ctx context.Context, t Transport) error {
	for {
		req, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		resp := e.Handle(req)
		if resp == nil {
			continue
		}

		if d := e.config.ResponseDelay; d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil
			}
		}

		if err := t.Send(ctx, resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Warn("response not sent", zap.Error(err))
		}
	}
}

// Server runs an ECU on its own bus connection.
type Server struct {
	ecu    *ECU
	bus    bus.Bus
	stack  *isotp.Stack
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start serves ecu on b. tester is the address the tester uses; the device
// answers on its reverse. The server owns b and shuts it down on Close.
//
// Example:
//
//	tester := isotp.NewNormalFixed29Bit(0xF3, 0xF1)
//	srv, _ := ecusim.Start(bus.NewVirtual("sim"), tester, isotp.DefaultParams(), ecusim.New(ecusim.DefaultConfig()))
//	defer srv.Close()
func Start(b bus.Bus, tester isotp.Address, params isotp.Params, ecu *ECU) (*Server, error) {
	stack, err := isotp.NewStack(b, tester.Reverse(), params)
	if err != nil {
		_ = b.Shutdown()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ecu.Serve(gctx, stack)
	})

	ecu.logger.Info("simulated ECU listening", zap.Stringer("address", stack.Address()))
	return &Server{ecu: ecu, bus: b, stack: stack, cancel: cancel, group: g}, nil
}

// ECU returns the served device.
func (s *Server) ECU() *ECU {
	return s.ecu
}

// Close stops serving and releases the stack and bus.
func (s *Server) Close() error {
	s.cancel()
	err := s.group.Wait()
	if errors.Is(err, isotp.ErrClosed) {
		err = nil
	}
	return errors.Join(err, s.stack.Close(), s.bus.Shutdown())
}
