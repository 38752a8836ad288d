package ecu

import (
	log "github.com/sirupsen/logrus"
)

const (
	// Ring queue capacity, one slot is kept free to distinguish full from empty
	InternalQueueSize = 512

	// Subscription table capacity
	MaxSubscribers = 64
)

type subscription struct {
	msgId   uint32
	handler MessageHandler
}

// MessageBus decouples every producer from every consumer on the ECU.
// Publish enqueues, Process drains in FIFO order. Single threaded : all
// calls happen from the super-loop, hardware RX paths buffer on their own
// side and publish from their Update.
type MessageBus struct {
	clock Clock

	subscribers     [MaxSubscribers]subscription
	subscriberCount int

	queue     [InternalQueueSize]CANMessage
	queueHead int
	queueTail int

	// Single slot used by the parameter router / external forwarding layer
	globalBroadcastHandler MessageHandler

	// Statistics
	messagesProcessed uint32
	messagesPublished uint32
	messagesPerSecond uint32
	queueOverflows    uint32
	lastStatsResetMs  uint32
}

func NewMessageBus(clock Clock) *MessageBus {
	return &MessageBus{clock: clock}
}

func (bus *MessageBus) Init() {
	bus.queueHead = 0
	bus.queueTail = 0
	bus.ResetStatistics()
	log.Debug("[BUS] initialized")
}

// Subscribe appends a handler for the given message ID. Multiple handlers
// per ID are allowed, delivery order is registration order.
func (bus *MessageBus) Subscribe(msgId uint32, handler MessageHandler) bool {
	if bus.subscriberCount >= MaxSubscribers || handler == nil {
		log.Warnf("[BUS] subscribe failed for x%X, table full or nil handler", msgId)
		return false
	}
	bus.subscribers[bus.subscriberCount] = subscription{msgId: msgId, handler: handler}
	bus.subscriberCount++
	return true
}

// Publish enqueues a message for delivery on the next Process call
func (bus *MessageBus) Publish(msgId uint32, data []byte) bool {
	if len(data) > 8 {
		log.Warnf("[BUS] publish failed for x%X, payload too long (%v)", msgId, len(data))
		return false
	}
	msg := CANMessage{
		ID:        msgId,
		Len:       uint8(len(data)),
		Timestamp: bus.clock.Micros(),
		Extended:  IsExtendedId(msgId),
	}
	copy(msg.Buf[:], data)

	if !bus.enqueue(msg) {
		bus.queueOverflows++
		return false
	}
	bus.messagesPublished++
	return true
}

func (bus *MessageBus) PublishFloat(msgId uint32, value float32) bool {
	var buf [4]byte
	PackFloat(buf[:], value)
	return bus.Publish(msgId, buf[:])
}

func (bus *MessageBus) PublishUint32(msgId uint32, value uint32) bool {
	buf := []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	return bus.Publish(msgId, buf)
}

func (bus *MessageBus) PublishUint16(msgId uint32, value uint16) bool {
	buf := []byte{byte(value), byte(value >> 8)}
	return bus.Publish(msgId, buf)
}

func (bus *MessageBus) PublishUint8(msgId uint32, value uint8) bool {
	return bus.Publish(msgId, []byte{value})
}

// Process drains the queue and delivers every message, global broadcast
// handler first, then each matching subscriber in registration order.
// Publishes from handlers enqueue behind the current drain.
func (bus *MessageBus) Process() {
	for bus.queueTail != bus.queueHead {
		msg := bus.queue[bus.queueTail]
		bus.queueTail = bus.nextIndex(bus.queueTail)
		bus.deliver(&msg)
		bus.messagesProcessed++
	}

	nowMs := bus.clock.Millis()
	if nowMs-bus.lastStatsResetMs >= 1000 {
		bus.messagesPerSecond = bus.messagesPublished
		bus.messagesPublished = 0
		bus.lastStatsResetMs = nowMs
	}
}

// SetGlobalBroadcastHandler installs the single handler that sees every
// delivered message before the per-ID subscribers
func (bus *MessageBus) SetGlobalBroadcastHandler(handler MessageHandler) {
	bus.globalBroadcastHandler = handler
}

func (bus *MessageBus) ClearGlobalBroadcastHandler() {
	bus.globalBroadcastHandler = nil
}

func (bus *MessageBus) deliver(msg *CANMessage) {
	if bus.globalBroadcastHandler != nil {
		bus.globalBroadcastHandler(msg)
	}
	for i := 0; i < bus.subscriberCount; i++ {
		if bus.subscribers[i].msgId == msg.ID && bus.subscribers[i].handler != nil {
			bus.subscribers[i].handler(msg)
		}
	}
}

func (bus *MessageBus) enqueue(msg CANMessage) bool {
	nextHead := bus.nextIndex(bus.queueHead)
	if nextHead == bus.queueTail {
		return false
	}
	bus.queue[bus.queueHead] = msg
	bus.queueHead = nextHead
	return true
}

func (bus *MessageBus) nextIndex(index int) int {
	return (index + 1) % InternalQueueSize
}

func (bus *MessageBus) QueueSize() int {
	if bus.queueHead >= bus.queueTail {
		return bus.queueHead - bus.queueTail
	}
	return InternalQueueSize - bus.queueTail + bus.queueHead
}

func (bus *MessageBus) IsQueueFull() bool {
	return bus.nextIndex(bus.queueHead) == bus.queueTail
}

func (bus *MessageBus) MessagesProcessed() uint32 { return bus.messagesProcessed }
func (bus *MessageBus) MessagesPerSecond() uint32 { return bus.messagesPerSecond }
func (bus *MessageBus) QueueOverflows() uint32    { return bus.queueOverflows }
func (bus *MessageBus) SubscriberCount() int      { return bus.subscriberCount }

func (bus *MessageBus) ResetStatistics() {
	bus.messagesProcessed = 0
	bus.messagesPublished = 0
	bus.messagesPerSecond = 0
	bus.queueOverflows = 0
	bus.lastStatsResetMs = bus.clock.Millis()
}

// ResetSubscribers clears the whole table, used between tests
func (bus *MessageBus) ResetSubscribers() {
	bus.subscriberCount = 0
	bus.globalBroadcastHandler = nil
	for i := range bus.subscribers {
		bus.subscribers[i] = subscription{}
	}
}
