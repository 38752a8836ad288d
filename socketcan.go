package ecu

import (
	"github.com/brutella/can"
)

// Wrapper around brutella/can as CANBus implementation for socketcan
// interfaces. Adding a custom driver only needs the CANBus interface.

const canExtendedFlag uint32 = 0x80000000

type SocketcanBus struct {
	bus          *can.Bus
	frameHandler FrameHandler
}

func NewSocketcanBus(name string) (*SocketcanBus, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus}, nil
}

// "Send" implementation of CANBus interface
func (socketcan *SocketcanBus) Send(frame CANFrame) error {
	id := frame.ID
	if frame.Extended {
		id |= canExtendedFlag
	}
	return socketcan.bus.Publish(can.Frame{
		ID:     id,
		Length: frame.Len,
		Data:   frame.Data,
	})
}

// "Subscribe" implementation of CANBus interface
func (socketcan *SocketcanBus) Subscribe(handler FrameHandler) {
	socketcan.frameHandler = handler
	// brutella/can defines a "Handle" interface for received frames
	socketcan.bus.Subscribe(socketcan)
}

// "Connect" implementation of CANBus interface
func (socketcan *SocketcanBus) Connect(args ...any) error {
	go socketcan.bus.ConnectAndPublish()
	return nil
}

func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame can.Frame) {
	if socketcan.frameHandler == nil {
		return
	}
	socketcan.frameHandler.Handle(CANFrame{
		ID:       frame.ID &^ canExtendedFlag,
		Len:      frame.Length,
		Data:     frame.Data,
		Extended: frame.ID&canExtendedFlag != 0,
	})
}
