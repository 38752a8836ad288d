package ecu

import (
	log "github.com/sirupsen/logrus"
)

// Broadcast targets, combinable
const (
	BroadcastCan    uint8 = 1 << 0
	BroadcastSerial uint8 = 1 << 1
)

// BroadcastDescriptor forwards an internal message to the external world
// whenever it is published, at most once per RateLimitMs
type BroadcastDescriptor struct {
	MsgId        uint32
	Targets      uint8
	CanId        uint32 // vendor frame ID used on the external CAN bus
	SerialDestId uint8
	RateLimitMs  uint32
	Name         string
}

type broadcastState struct {
	desc       BroadcastDescriptor
	enabled    bool
	lastSentMs uint32
	sent       bool
	sentCount  uint32
	dropped    uint32
}

type BroadcastingStats struct {
	Registered   int
	CanForwards  uint32
	SerialForwards uint32
	RateLimited  uint32
}

// MessageBroadcasting mirrors selected internal messages onto the external
// CAN bus and the serial link. Modules register their descriptors during
// init, forwarding happens as messages are delivered.
type MessageBroadcasting struct {
	bus    *MessageBus
	clock  Clock
	canbus *ExternalCanBus
	serial *ExternalSerial

	entries []*broadcastState
	stats   BroadcastingStats
}

func NewMessageBroadcasting(bus *MessageBus, clock Clock) *MessageBroadcasting {
	return &MessageBroadcasting{bus: bus, clock: clock}
}

// SetExternalInterfaces wires the transmit paths, either may be nil
func (mb *MessageBroadcasting) SetExternalInterfaces(canbus *ExternalCanBus, serial *ExternalSerial) {
	mb.canbus = canbus
	mb.serial = serial
}

// Register subscribes the message and starts forwarding it
func (mb *MessageBroadcasting) Register(desc BroadcastDescriptor) bool {
	state := &broadcastState{desc: desc, enabled: true}
	ok := mb.bus.Subscribe(desc.MsgId, func(msg *CANMessage) {
		mb.forward(state, msg)
	})
	if !ok {
		return false
	}
	mb.entries = append(mb.entries, state)
	mb.stats.Registered++
	log.Debugf("[BCAST] registered %v (x%X)", desc.Name, desc.MsgId)
	return true
}

// SetEnabled pauses or resumes one registered broadcast
func (mb *MessageBroadcasting) SetEnabled(msgId uint32, enabled bool) bool {
	found := false
	for _, state := range mb.entries {
		if state.desc.MsgId == msgId {
			state.enabled = enabled
			found = true
		}
	}
	return found
}

func (mb *MessageBroadcasting) forward(state *broadcastState, msg *CANMessage) {
	if !state.enabled {
		return
	}
	nowMs := mb.clock.Millis()
	if state.sent && state.desc.RateLimitMs != 0 &&
		nowMs-state.lastSentMs < state.desc.RateLimitMs {
		state.dropped++
		mb.stats.RateLimited++
		return
	}

	forwarded := false
	if state.desc.Targets&BroadcastCan != 0 && mb.canbus != nil {
		value, ok := UnpackFloat(msg)
		if ok && mb.canbus.SendCustomFloat(state.desc.CanId, value) {
			mb.stats.CanForwards++
			forwarded = true
		}
	}
	if state.desc.Targets&BroadcastSerial != 0 && mb.serial != nil {
		if mb.serial.SendMessage(state.desc.SerialDestId, PacketTypeNormal, msg) {
			mb.stats.SerialForwards++
			forwarded = true
		}
	}

	if forwarded {
		state.lastSentMs = nowMs
		state.sent = true
		state.sentCount++
	}
}

func (mb *MessageBroadcasting) Stats() BroadcastingStats { return mb.stats }
