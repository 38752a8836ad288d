package ecu

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// External CAN bus configuration
type ExternalCanBusConfig struct {
	Baudrate             uint32
	EnableObdii          bool
	EnableCustomMessages bool
	CacheDefaultMaxAgeMs uint32
}

func DefaultExternalCanBusConfig() ExternalCanBusConfig {
	return ExternalCanBusConfig{
		Baudrate:             500000,
		EnableObdii:          true,
		EnableCustomMessages: true,
		CacheDefaultMaxAgeMs: 1000,
	}
}

type ExternalCanBusStats struct {
	MessagesSent      uint32
	MessagesReceived  uint32
	ObdiiRequests     uint32
	CustomMessages    uint32
	ParameterMessages uint32
	RxOverflows       uint32
	Errors            uint32
}

const externalRxQueueSize = 64

// ExternalCanBus bridges the physical CAN bus to the internal message bus.
// Received frames are enqueued from the driver's receive path and routed
// during Update : OBD-II requests to the OBD-II handler, vendor frames to
// the custom message handler and parameter frames onto the internal bus.
type ExternalCanBus struct {
	bus    *MessageBus
	clock  Clock
	config ExternalCanBusConfig
	driver CANBus

	cache  *ExternalCache
	obdii  *ObdiiHandler
	custom *CustomMessageHandler

	// receive path may run on a driver goroutine, enqueue only
	rxMu    sync.Mutex
	rxQueue []CANFrame

	initialized   bool
	lastMessageMs uint32
	stats         ExternalCanBusStats
}

func NewExternalCanBus(bus *MessageBus, clock Clock, config ExternalCanBusConfig, driver CANBus) *ExternalCanBus {
	ecb := &ExternalCanBus{
		bus:    bus,
		clock:  clock,
		config: config,
		driver: driver,
	}
	ecb.cache = NewExternalCache(bus, clock, config.CacheDefaultMaxAgeMs)
	ecb.obdii = NewObdiiHandler(ecb.cache)
	ecb.custom = NewCustomMessageHandler(bus, ecb.cache, clock, ecb.sendFrame)
	return ecb
}

func (ecb *ExternalCanBus) Init() error {
	ecb.cache.Init()
	if ecb.config.EnableCustomMessages {
		ecb.custom.ConfigureDashboardMessages()
		ecb.custom.ConfigureDataloggerMessages()
	}
	if ecb.driver != nil {
		ecb.driver.Subscribe(ecb)
		if err := ecb.driver.Connect(); err != nil {
			return err
		}
	}
	ecb.initialized = true
	log.Infof("[CANEXT] initialized, baudrate %v, obdii %v, custom %v",
		ecb.config.Baudrate, ecb.config.EnableObdii, ecb.config.EnableCustomMessages)
	return nil
}

// Handle implements FrameHandler. It runs on the driver receive path and
// only enqueues.
func (ecb *ExternalCanBus) Handle(frame CANFrame) {
	ecb.rxMu.Lock()
	defer ecb.rxMu.Unlock()
	if len(ecb.rxQueue) >= externalRxQueueSize {
		ecb.stats.RxOverflows++
		return
	}
	ecb.rxQueue = append(ecb.rxQueue, frame)
}

// Update drains the receive queue and runs the scheduled custom traffic
func (ecb *ExternalCanBus) Update() {
	if !ecb.initialized {
		return
	}

	ecb.rxMu.Lock()
	frames := ecb.rxQueue
	ecb.rxQueue = nil
	ecb.rxMu.Unlock()

	for i := range frames {
		ecb.routeIncoming(frames[i])
	}

	ecb.cache.Update()
	if ecb.config.EnableCustomMessages {
		ecb.custom.Update()
	}
}

func (ecb *ExternalCanBus) routeIncoming(frame CANFrame) {
	ecb.stats.MessagesReceived++
	ecb.lastMessageMs = ecb.clock.Millis()

	switch {
	case IsObdiiRequest(frame):
		if !ecb.config.EnableObdii {
			return
		}
		ecb.stats.ObdiiRequests++
		response, ok := ecb.obdii.ProcessRequest(frame)
		if ok {
			ecb.sendFrameCounted(response)
		}

	case frame.Extended && IsParameterMsg(frame.ID):
		ecb.stats.ParameterMessages++
		ecb.forwardParameterFrame(frame)

	case ecb.config.EnableCustomMessages && ecb.custom.IsCustomMessage(frame):
		ecb.stats.CustomMessages++
		ecb.custom.ProcessMessage(frame)
	}
}

// forwardParameterFrame rewrites the source channel and publishes the
// envelope on the internal bus
func (ecb *ExternalCanBus) forwardParameterFrame(frame CANFrame) {
	msg := CANMessage{ID: frame.ID, Len: frame.Len, Extended: true, Buf: frame.Data}
	param, ok := UnpackParameterMsg(&msg)
	if !ok {
		ecb.stats.Errors++
		return
	}
	param.SourceChannel = ChannelCANBus
	var buf [8]byte
	param.Pack(buf[:])
	ecb.bus.Publish(frame.ID, buf[:])
}

// SendParameterResponse carries a parameter envelope back out on the
// physical bus, used as the CAN channel forwarder by the registry
func (ecb *ExternalCanBus) SendParameterResponse(msgId uint32, param ParameterMsg) bool {
	frame := CANFrame{ID: msgId, Len: 8, Extended: true}
	param.Pack(frame.Data[:])
	return ecb.sendFrameCounted(frame)
}

func (ecb *ExternalCanBus) sendFrame(frame CANFrame) error {
	if ecb.driver == nil {
		return ErrDriverNotReady
	}
	return ecb.driver.Send(frame)
}

func (ecb *ExternalCanBus) sendFrameCounted(frame CANFrame) bool {
	if err := ecb.sendFrame(frame); err != nil {
		ecb.stats.Errors++
		log.Warnf("[CANEXT] tx x%X failed: %v", frame.ID, err)
		return false
	}
	ecb.stats.MessagesSent++
	return true
}

// SendCustomFloat transmits a vendor float frame immediately
func (ecb *ExternalCanBus) SendCustomFloat(canId uint32, value float32) bool {
	return ecb.custom.SendFloatMessage(canId, value)
}

// GetCachedValue reads straight from the cache
func (ecb *ExternalCanBus) GetCachedValue(externalKey uint32, maxAgeMs uint32) (float32, bool) {
	return ecb.cache.GetValue(externalKey, maxAgeMs)
}

// GetObdiiValue reads the cache entry behind a PID
func (ecb *ExternalCanBus) GetObdiiValue(pid uint8) (float32, bool) {
	return ecb.cache.GetValue(ObdiiCacheKey(pid), 0)
}

func (ecb *ExternalCanBus) Cache() *ExternalCache           { return ecb.cache }
func (ecb *ExternalCanBus) Obdii() *ObdiiHandler            { return ecb.obdii }
func (ecb *ExternalCanBus) Custom() *CustomMessageHandler   { return ecb.custom }
func (ecb *ExternalCanBus) Stats() ExternalCanBusStats      { return ecb.stats }
func (ecb *ExternalCanBus) IsInitialized() bool             { return ecb.initialized }
func (ecb *ExternalCanBus) LastMessageMs() uint32           { return ecb.lastMessageMs }

func (ecb *ExternalCanBus) Shutdown() {
	if ecb.driver != nil {
		_ = ecb.driver.Disconnect()
	}
	ecb.initialized = false
}
