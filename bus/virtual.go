package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// VirtualAdapter is the registry name of the in-process bus.
const VirtualAdapter = "virtual"

// virtualQueueSize is the per-member receive buffer, in frames.
const virtualQueueSize = 1024

func init() {
	Register(VirtualAdapter, func(cfg Config) (Bus, error) {
		return NewVirtual(cfg.Channel), nil
	})
}

// virtualHub connects every virtual bus opened on the same channel.
type virtualHub struct {
	mu      sync.RWMutex
	members map[*Virtual]struct{}
}

var hubs = struct {
	sync.Mutex
	byChannel map[string]*virtualHub
}{byChannel: make(map[string]*virtualHub)}

func hubFor(channel string) *virtualHub {
	hubs.Lock()
	defer hubs.Unlock()

	h, ok := hubs.byChannel[channel]
	if !ok {
		h = &virtualHub{members: make(map[*Virtual]struct{})}
		hubs.byChannel[channel] = h
	}
	return h
}

// Virtual is an in-process bus. A frame sent on one Virtual is delivered to
// every other Virtual opened on the same channel, never back to the sender.
//
// Like a real controller, a member whose receive queue is full loses frames;
// Dropped reports how many.
type Virtual struct {
	hub     *virtualHub
	rx      chan Frame
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewVirtual joins the named channel.
func NewVirtual(channel string) *Virtual {
	v := &Virtual{
		hub:  hubFor(channel),
		rx:   make(chan Frame, virtualQueueSize),
		done: make(chan struct{}),
	}

	v.hub.mu.Lock()
	v.hub.members[v] = struct{}{}
	v.hub.mu.Unlock()

	return v
}

func (v *Virtual) Send(ctx context.Context, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}

	select {
	case <-v.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	v.hub.mu.RLock()
	defer v.hub.mu.RUnlock()

	for member := range v.hub.members {
		if member == v {
			continue
		}
		select {
		case member.rx <- f:
		default:
			member.dropped.Add(1)
		}
	}
	return nil
}

func (v *Virtual) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-v.rx:
		return f, nil
	case <-v.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (v *Virtual) Shutdown() error {
	v.once.Do(func() {
		v.hub.mu.Lock()
		delete(v.hub.members, v)
		v.hub.mu.Unlock()
		close(v.done)
	})
	return nil
}

// Dropped returns the number of frames lost to a full receive queue.
func (v *Virtual) Dropped() uint64 {
	return v.dropped.Load()
}
