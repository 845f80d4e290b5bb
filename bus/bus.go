package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrClosed is returned by Send and Receive after Shutdown.
	ErrClosed = errors.New("bus: adapter is shut down")

	// ErrUnknownAdapter is returned by Open for a name nobody registered.
	ErrUnknownAdapter = errors.New("bus: unknown adapter")

	// ErrUnsupported is returned by adapters that cannot run on this platform.
	ErrUnsupported = errors.New("bus: adapter not supported on this platform")
)

// Bus is the capability every adapter provides: raw frame send and receive.
//
// Send and Receive may be called from different goroutines. Receive is only
// ever called by a single reader.
type Bus interface {
	// Send puts one frame on the bus.
	Send(ctx context.Context, f Frame) error

	// Receive blocks until a frame arrives, the context ends or the bus is shut down.
	Receive(ctx context.Context) (Frame, error)

	// Shutdown releases the adapter. It is safe to call more than once.
	Shutdown() error
}

// Config is the adapter-independent open request.
type Config struct {
	// Channel selects the interface: "can0" for socketcan, a serial port path
	// for slcan, any name for virtual
	Channel string `yaml:"channel"`

	// Bitrate is the CAN bitrate in bit/s, used by adapters that configure it
	Bitrate int `yaml:"bitrate"`

	// SerialBaud is the host-side serial speed for serial adapters
	SerialBaud int `yaml:"serial_baud"`
}

// Factory constructs an adapter from a Config.
type Factory func(cfg Config) (Bus, error)

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes an adapter available under name. Registering the same name
// twice replaces the earlier factory.
func Register(name string, factory Factory) {
	if factory == nil {
		panic("bus: nil factory for " + name)
	}

	registry.Lock()
	defer registry.Unlock()
	registry.factories[name] = factory
}

// Open constructs the adapter registered under name.
//
// Example:
//
//	b, err := bus.Open("socketcan", bus.Config{Channel: "can0"})
//	if err != nil {
//	    return err
//	}
//	defer b.Shutdown()
func Open(name string, cfg Config) (Bus, error) {
	registry.RLock()
	factory, ok := registry.factories[name]
	registry.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownAdapter, name, Names())
	}

	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s adapter: %w", name, err)
	}
	return b, nil
}

// Names lists registered adapters in sorted order.
func Names() []string {
	registry.RLock()
	defer registry.RUnlock()

	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
