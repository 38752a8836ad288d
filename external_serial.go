package ecu

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// Serial framing constants
const (
	SerialSyncByte    byte  = 0xAA
	SerialBroadcastId uint8 = 0xFF

	PacketTypeNormal    uint8 = 0x01
	PacketTypeParameter uint8 = 0x02
	PacketTypeHeartbeat uint8 = 0x03

	// sync + src + dst + type
	serialHeaderSize = 4
	// id u32 + len u8 + buf 8 + timestamp u32, little-endian
	serialPayloadSize = 17
	serialPacketSize  = serialHeaderSize + serialPayloadSize + 2
)

// SerialPort is the byte-level link. Read must not block, returning 0 when
// nothing is pending, the cmd wiring configures the port timeout accordingly.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Forwarding rule : internal messages matching MsgId are framed and sent to
// DestId, at most once per RateLimitMs
type SerialForwardRule struct {
	MsgId       uint32
	DestId      uint8
	PacketType  uint8
	RateLimitMs uint32
}

type serialRuleState struct {
	rule       SerialForwardRule
	lastSentMs uint32
	sent       bool
	dropped    uint32
}

type ExternalSerialStats struct {
	PacketsSent          uint32
	PacketsReceived      uint32
	SyncErrors           uint32
	ChecksumErrors       uint32
	NotForUs             uint32
	RateLimited          uint32
	WriteErrors          uint32
	TransmissionTimeouts uint32
	ReceptionTimeouts    uint32
}

type serialRxState uint8

const (
	rxWaitSync serialRxState = iota
	rxHeader
	rxPayload
	rxChecksum
)

// ExternalSerial runs the framed point-to-point link. Receive is a byte-wise
// state machine, bad sync or checksum drops the frame and counts the error.
type ExternalSerial struct {
	bus      *MessageBus
	clock    Clock
	port     SerialPort
	deviceId uint8
	channel  uint8

	rules []*serialRuleState

	rxState  serialRxState
	rxBuf    [serialPacketSize]byte
	rxCount  int
	lastRxMs uint32

	// expected heartbeat interval, 0 disables reception timeout tracking
	heartbeatTimeoutMs uint32
	heartbeatSeen      bool
	heartbeatTimedOut  bool

	stats ExternalSerialStats
}

func NewExternalSerial(bus *MessageBus, clock Clock, port SerialPort, deviceId uint8, channel uint8) *ExternalSerial {
	return &ExternalSerial{
		bus:      bus,
		clock:    clock,
		port:     port,
		deviceId: deviceId,
		channel:  channel,
	}
}

func (es *ExternalSerial) Init() {
	es.rxState = rxWaitSync
	es.rxCount = 0
	log.Infof("[SERIAL] initialized, device id x%X channel %v", es.deviceId, es.channel)
}

// SetHeartbeatTimeout enables reception timeout tracking
func (es *ExternalSerial) SetHeartbeatTimeout(timeoutMs uint32) {
	es.heartbeatTimeoutMs = timeoutMs
}

// AddForwardRule subscribes the internal message and forwards every
// publication to the serial peer
func (es *ExternalSerial) AddForwardRule(rule SerialForwardRule) bool {
	if rule.PacketType == 0 {
		rule.PacketType = PacketTypeNormal
	}
	state := &serialRuleState{rule: rule}
	ok := es.bus.Subscribe(rule.MsgId, func(msg *CANMessage) {
		es.forward(state, msg)
	})
	if !ok {
		return false
	}
	es.rules = append(es.rules, state)
	return true
}

func (es *ExternalSerial) forward(state *serialRuleState, msg *CANMessage) {
	nowMs := es.clock.Millis()
	if state.sent && state.rule.RateLimitMs != 0 &&
		nowMs-state.lastSentMs < state.rule.RateLimitMs {
		state.dropped++
		es.stats.RateLimited++
		return
	}
	if es.SendMessage(state.rule.DestId, state.rule.PacketType, msg) {
		state.lastSentMs = nowMs
		state.sent = true
	}
}

// SendMessage frames and writes one internal message to the link
func (es *ExternalSerial) SendMessage(destId uint8, packetType uint8, msg *CANMessage) bool {
	if es.port == nil {
		return false
	}
	packet := PackSerialPacket(es.deviceId, destId, packetType, msg)
	n, err := es.port.Write(packet)
	if err != nil || n != len(packet) {
		es.stats.WriteErrors++
		es.stats.TransmissionTimeouts++
		log.Warnf("[SERIAL] write failed: %v", err)
		return false
	}
	es.stats.PacketsSent++
	return true
}

// SendParameterResponse is the serial channel forwarder used by the
// parameter registry
func (es *ExternalSerial) SendParameterResponse(msgId uint32, param ParameterMsg) bool {
	msg := CANMessage{ID: msgId, Len: 8, Extended: IsExtendedId(msgId), Timestamp: es.clock.Micros()}
	param.Pack(msg.Buf[:])
	return es.SendMessage(SerialBroadcastId, PacketTypeParameter, &msg)
}

// Update drains pending receive bytes and checks the reception timeout
func (es *ExternalSerial) Update() {
	if es.port != nil {
		var buf [64]byte
		for {
			n, err := es.port.Read(buf[:])
			if err != nil || n == 0 {
				break
			}
			for _, b := range buf[:n] {
				es.feedByte(b)
			}
		}
	}

	if es.heartbeatTimeoutMs != 0 && es.heartbeatSeen && !es.heartbeatTimedOut {
		if es.clock.Millis()-es.lastRxMs > es.heartbeatTimeoutMs {
			es.heartbeatTimedOut = true
			es.stats.ReceptionTimeouts++
			log.Warn("[SERIAL] peer heartbeat lost")
		}
	}
}

// feedByte advances the receive state machine by a single byte
func (es *ExternalSerial) feedByte(b byte) {
	switch es.rxState {
	case rxWaitSync:
		if b != SerialSyncByte {
			es.stats.SyncErrors++
			return
		}
		es.rxBuf[0] = b
		es.rxCount = 1
		es.rxState = rxHeader

	case rxHeader:
		es.rxBuf[es.rxCount] = b
		es.rxCount++
		if es.rxCount == serialHeaderSize {
			es.rxState = rxPayload
		}

	case rxPayload:
		es.rxBuf[es.rxCount] = b
		es.rxCount++
		if es.rxCount == serialHeaderSize+serialPayloadSize {
			es.rxState = rxChecksum
		}

	case rxChecksum:
		es.rxBuf[es.rxCount] = b
		es.rxCount++
		if es.rxCount == serialPacketSize {
			es.completePacket()
			es.rxState = rxWaitSync
			es.rxCount = 0
		}
	}
}

func (es *ExternalSerial) completePacket() {
	payloadEnd := serialHeaderSize + serialPayloadSize
	received := binary.LittleEndian.Uint16(es.rxBuf[payloadEnd:])
	crc := crc16(0)
	crc.ccittBlock(es.rxBuf[:payloadEnd])
	if uint16(crc) != received {
		es.stats.ChecksumErrors++
		return
	}

	destId := es.rxBuf[2]
	if destId != es.deviceId && destId != SerialBroadcastId {
		es.stats.NotForUs++
		return
	}

	msg := unpackSerialMessage(es.rxBuf[serialHeaderSize:payloadEnd])
	es.stats.PacketsReceived++
	es.lastRxMs = es.clock.Millis()
	es.heartbeatSeen = true
	es.heartbeatTimedOut = false

	packetType := es.rxBuf[3]
	if packetType == PacketTypeHeartbeat {
		return
	}

	// parameter envelopes get stamped with the serial channel before they
	// hit the internal bus
	if IsParameterMsg(msg.ID) && msg.Len == 8 {
		param, ok := UnpackParameterMsg(&msg)
		if ok {
			param.SourceChannel = es.channel
			param.Pack(msg.Buf[:])
		}
	}
	es.bus.Publish(msg.ID, msg.Buf[:msg.Len])
}

func (es *ExternalSerial) Stats() ExternalSerialStats { return es.stats }

func (es *ExternalSerial) ResetStatistics() {
	es.stats = ExternalSerialStats{}
}

// PackSerialPacket builds the framed wire format :
// sync | src | dst | type | id u32 | len | buf[8] | timestamp u32 | crc16
func PackSerialPacket(srcId, destId, packetType uint8, msg *CANMessage) []byte {
	packet := make([]byte, serialPacketSize)
	packet[0] = SerialSyncByte
	packet[1] = srcId
	packet[2] = destId
	packet[3] = packetType

	binary.LittleEndian.PutUint32(packet[4:], msg.ID)
	packet[8] = msg.Len
	copy(packet[9:17], msg.Buf[:])
	binary.LittleEndian.PutUint32(packet[17:], msg.Timestamp)

	crc := crc16(0)
	crc.ccittBlock(packet[:serialHeaderSize+serialPayloadSize])
	binary.LittleEndian.PutUint16(packet[serialHeaderSize+serialPayloadSize:], uint16(crc))
	return packet
}

func unpackSerialMessage(payload []byte) CANMessage {
	msg := CANMessage{
		ID:        binary.LittleEndian.Uint32(payload[0:4]),
		Len:       payload[4],
		Timestamp: binary.LittleEndian.Uint32(payload[13:17]),
	}
	if msg.Len > 8 {
		msg.Len = 8
	}
	copy(msg.Buf[:], payload[5:13])
	msg.Extended = IsExtendedId(msg.ID)
	return msg
}
