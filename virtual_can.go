package ecu

import "sync"

// Virtual CAN bus implementation used for testing. Every bus created on the
// same segment sees frames sent by the others, the sender does not receive
// its own traffic.

type VirtualSegment struct {
	mu    sync.Mutex
	buses []*VirtualCANBus
}

// NewVirtualSegment creates a shared wire for virtual buses
func NewVirtualSegment() *VirtualSegment {
	return &VirtualSegment{}
}

type VirtualCANBus struct {
	segment  *VirtualSegment
	handler  FrameHandler
	mu       sync.Mutex
	sent     []CANFrame
	received []CANFrame
}

func NewVirtualCANBus(segment *VirtualSegment) *VirtualCANBus {
	bus := &VirtualCANBus{segment: segment}
	segment.mu.Lock()
	segment.buses = append(segment.buses, bus)
	segment.mu.Unlock()
	return bus
}

// "Send" implementation of CANBus interface
func (bus *VirtualCANBus) Send(frame CANFrame) error {
	bus.mu.Lock()
	bus.sent = append(bus.sent, frame)
	bus.mu.Unlock()

	bus.segment.mu.Lock()
	peers := make([]*VirtualCANBus, len(bus.segment.buses))
	copy(peers, bus.segment.buses)
	bus.segment.mu.Unlock()

	for _, peer := range peers {
		if peer == bus {
			continue
		}
		peer.mu.Lock()
		handler := peer.handler
		peer.received = append(peer.received, frame)
		peer.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
	return nil
}

// "Subscribe" implementation of CANBus interface
func (bus *VirtualCANBus) Subscribe(handler FrameHandler) {
	bus.mu.Lock()
	bus.handler = handler
	bus.mu.Unlock()
}

// "Connect" implementation of CANBus interface
func (bus *VirtualCANBus) Connect(args ...any) error {
	return nil
}

func (bus *VirtualCANBus) Disconnect() error {
	return nil
}

// SentFrames returns a copy of everything sent through this bus
func (bus *VirtualCANBus) SentFrames() []CANFrame {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	frames := make([]CANFrame, len(bus.sent))
	copy(frames, bus.sent)
	return frames
}

// ClearSent drops the transmit log
func (bus *VirtualCANBus) ClearSent() {
	bus.mu.Lock()
	bus.sent = nil
	bus.mu.Unlock()
}

// ReceivedFrames returns a copy of everything delivered to this bus
func (bus *VirtualCANBus) ReceivedFrames() []CANFrame {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	frames := make([]CANFrame, len(bus.received))
	copy(frames, bus.received)
	return frames
}

// ClearReceived drops the receive log
func (bus *VirtualCANBus) ClearReceived() {
	bus.mu.Lock()
	bus.received = nil
	bus.mu.Unlock()
}
