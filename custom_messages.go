package ecu

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// Vendor custom CAN IDs used by the predefined protocols
const (
	CanIdDashRPM       uint32 = 0x600
	CanIdDashSpeed     uint32 = 0x601
	CanIdDashCoolant   uint32 = 0x602
	CanIdDataloggerA   uint32 = 0x610
	CanIdDataloggerB   uint32 = 0x611
)

// Decode rule for an incoming vendor frame, persisted as configuration
type CustomRxMapping struct {
	ExternalCanId uint32
	InternalMsgId uint32
	ByteOffset    uint8
	ByteLength    uint8 // 1 or 2
	BigEndian     bool
	Scale         float32
	Min           float32
	Max           float32
	TimeoutMs     uint32 // 0 = no reception timeout
	Description   string
}

// Scheduled outgoing vendor frame fed from the cache
type CustomTxMessage struct {
	CanId       uint32
	ExternalKey uint32
	IntervalMs  uint32
	Description string
}

type CustomMessageStats struct {
	MessagesProcessed    uint32
	MessagesSent         uint32
	MessagesReceived     uint32
	CacheUpdates         uint32
	TransmissionTimeouts uint32
	ReceptionTimeouts    uint32
	FormatErrors         uint32
}

type customRxState struct {
	mapping        CustomRxMapping
	lastReceivedMs uint32
	received       bool
	timedOut       bool
}

type customTxState struct {
	config     CustomTxMessage
	lastSentMs uint32
	sent       bool
}

// CustomMessageHandler decodes vendor frames into internal float messages
// and schedules periodic transmissions from cached values.
type CustomMessageHandler struct {
	bus   *MessageBus
	cache *ExternalCache
	clock Clock
	send  func(frame CANFrame) error

	rxMappings map[uint32]*customRxState
	txMessages map[uint32]*customTxState

	stats CustomMessageStats
}

func NewCustomMessageHandler(bus *MessageBus, cache *ExternalCache, clock Clock,
	send func(frame CANFrame) error) *CustomMessageHandler {
	return &CustomMessageHandler{
		bus:        bus,
		cache:      cache,
		clock:      clock,
		send:       send,
		rxMappings: map[uint32]*customRxState{},
		txMessages: map[uint32]*customTxState{},
	}
}

// ConfigureDashboardMessages installs the dash broadcast set
func (h *CustomMessageHandler) ConfigureDashboardMessages() {
	h.RegisterTxMessage(CustomTxMessage{CanIdDashRPM, CustomKeyDashRPM, 100, "Dash RPM"})
	h.RegisterTxMessage(CustomTxMessage{CanIdDashSpeed, CustomKeyDashSpeed, 100, "Dash speed"})
	h.RegisterTxMessage(CustomTxMessage{CanIdDashCoolant, CustomKeyDashCoolant, 500, "Dash coolant"})
}

// ConfigureDataloggerMessages installs the datalogger broadcast set
func (h *CustomMessageHandler) ConfigureDataloggerMessages() {
	h.RegisterTxMessage(CustomTxMessage{CanIdDataloggerA, CustomKeyLoggerRPM, 50, "Logger RPM"})
	h.RegisterTxMessage(CustomTxMessage{CanIdDataloggerB, CustomKeyLoggerTPS, 50, "Logger TPS"})
}

func (h *CustomMessageHandler) RegisterRxMapping(mapping CustomRxMapping) bool {
	if mapping.ByteLength != 1 && mapping.ByteLength != 2 {
		return false
	}
	if mapping.Scale == 0 {
		mapping.Scale = 1.0
	}
	h.rxMappings[mapping.ExternalCanId] = &customRxState{mapping: mapping}
	return true
}

func (h *CustomMessageHandler) UnregisterRxMapping(canId uint32) {
	delete(h.rxMappings, canId)
}

func (h *CustomMessageHandler) RegisterTxMessage(config CustomTxMessage) {
	h.txMessages[config.CanId] = &customTxState{config: config}
}

// IsCustomMessage reports whether a received frame has a registered decode
// rule
func (h *CustomMessageHandler) IsCustomMessage(frame CANFrame) bool {
	_, ok := h.rxMappings[frame.ID]
	return ok
}

// ProcessMessage decodes one received vendor frame and publishes the scaled
// value on the internal bus
func (h *CustomMessageHandler) ProcessMessage(frame CANFrame) bool {
	state, ok := h.rxMappings[frame.ID]
	if !ok {
		return false
	}
	h.stats.MessagesProcessed++
	mapping := &state.mapping

	end := int(mapping.ByteOffset) + int(mapping.ByteLength)
	if end > int(frame.Len) {
		h.stats.FormatErrors++
		return false
	}

	var raw uint16
	if mapping.ByteLength == 1 {
		raw = uint16(frame.Data[mapping.ByteOffset])
	} else if mapping.BigEndian {
		raw = binary.BigEndian.Uint16(frame.Data[mapping.ByteOffset:end])
	} else {
		raw = binary.LittleEndian.Uint16(frame.Data[mapping.ByteOffset:end])
	}

	value := float32(raw) * mapping.Scale
	if value < mapping.Min || value > mapping.Max {
		h.stats.FormatErrors++
		return false
	}

	state.lastReceivedMs = h.clock.Millis()
	state.received = true
	state.timedOut = false
	h.stats.MessagesReceived++

	if h.bus.PublishFloat(mapping.InternalMsgId, value) {
		h.stats.CacheUpdates++
	}
	return true
}

// SendFloatMessage transmits an on-demand vendor frame with a 4-byte float
// payload
func (h *CustomMessageHandler) SendFloatMessage(canId uint32, value float32) bool {
	frame := CANFrame{ID: canId, Len: 4, Extended: canId > MaxStandardId}
	PackFloat(frame.Data[:4], value)
	return h.transmit(frame)
}

func (h *CustomMessageHandler) SendMessage(canId uint32, data []byte) bool {
	if len(data) > 8 {
		return false
	}
	frame := CANFrame{ID: canId, Len: uint8(len(data)), Extended: canId > MaxStandardId}
	copy(frame.Data[:], data)
	return h.transmit(frame)
}

func (h *CustomMessageHandler) transmit(frame CANFrame) bool {
	if h.send == nil {
		return false
	}
	if err := h.send(frame); err != nil {
		h.stats.TransmissionTimeouts++
		log.Warnf("[CANEXT] custom tx x%X failed: %v", frame.ID, err)
		return false
	}
	h.stats.MessagesSent++
	return true
}

// Update runs the scheduled transmissions and the reception timeouts
func (h *CustomMessageHandler) Update() {
	nowMs := h.clock.Millis()

	for _, state := range h.txMessages {
		if state.sent && nowMs-state.lastSentMs < state.config.IntervalMs {
			continue
		}
		value, ok := h.cache.GetValue(state.config.ExternalKey, 0)
		if !ok {
			continue
		}
		if h.SendFloatMessage(state.config.CanId, value) {
			state.lastSentMs = nowMs
			state.sent = true
		}
	}

	for _, state := range h.rxMappings {
		timeout := state.mapping.TimeoutMs
		if timeout == 0 || !state.received || state.timedOut {
			continue
		}
		if nowMs-state.lastReceivedMs > timeout {
			state.timedOut = true
			h.stats.ReceptionTimeouts++
		}
	}
}

func (h *CustomMessageHandler) Stats() CustomMessageStats { return h.stats }

func (h *CustomMessageHandler) RxMappingCount() int { return len(h.rxMappings) }
func (h *CustomMessageHandler) TxMessageCount() int { return len(h.txMessages) }
