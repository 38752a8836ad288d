package ecu

// A physical CAN bus interface for the external gateway
type CANBus interface {
	Send(frame CANFrame) error     // Send a frame on the bus
	Subscribe(handler FrameHandler) // Subscribe to received frames
	Connect(args ...any) error
	Disconnect() error
}

// A frame on the external bus
type CANFrame struct {
	ID       uint32
	Len      uint8
	Data     [8]byte
	Extended bool
}

// Interface used for handling a received CAN frame. Handle runs on the
// driver's receive path and must only enqueue.
type FrameHandler interface {
	Handle(frame CANFrame)
}
