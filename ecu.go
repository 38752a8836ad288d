package ecu

import (
	log "github.com/sirupsen/logrus"
)

// SystemOptions carries the hardware collaborators owned by main. Nil
// drivers leave the matching surface disabled, which the bench and test
// setups rely on.
type SystemOptions struct {
	Clock      Clock
	Hardware   Hardware
	Backend    StorageBackend
	CanDriver  CANBus
	SerialPort SerialPort
	Expander   PinExpander
	ADC        ExternalADC
	ShiftReg   ShiftRegister
	ConfigFile string
}

// System is the single context every component lives in. It is constructed
// in main (or a test) and owns the fixed update order of the super-loop.
type System struct {
	Clock        Clock
	Bus          *MessageBus
	Storage      *StorageManager
	Config       *ConfigManager
	Inputs       *InputManager
	Outputs      *OutputManager
	Transmission *TransmissionControl
	Canbus       *ExternalCanBus
	Serial       *ExternalSerial
	Params       *ParameterRegistry
	Tracker      *RequestTracker
	Broadcasting *MessageBroadcasting

	opts        SystemOptions
	initialized bool

	loopCount        uint32
	loopsPerSecond   uint32
	lastLoopTimeUs   uint32
	lastStatsResetMs uint32
	lastStatusMs     uint32

	// health bit, false once any subsystem exceeds the error rate
	healthy          bool
	healthErrorRate  uint32
	lastErrorTotal   uint32
	lastHealthCheckMs uint32
}

func NewSystem(opts SystemOptions) *System {
	if opts.Clock == nil {
		opts.Clock = NewWallClock()
	}
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend(0)
	}

	sys := &System{
		Clock:           opts.Clock,
		opts:            opts,
		healthy:         true,
		healthErrorRate: 10,
	}
	sys.Bus = NewMessageBus(opts.Clock)
	sys.Storage = NewStorageManager(sys.Bus, opts.Clock, opts.Backend)
	sys.Config = NewConfigManager(sys.Storage)
	sys.Params = NewParameterRegistry(sys.Bus)
	sys.Tracker = NewRequestTracker(opts.Clock)
	sys.Broadcasting = NewMessageBroadcasting(sys.Bus, opts.Clock)
	return sys
}

// Init brings the system up in dependency order : storage, configuration,
// parameter routing, IO managers, transmission, external interfaces.
// A configuration validation failure aborts the whole init.
func (sys *System) Init() error {
	sys.Bus.Init()

	if err := sys.Storage.Init(); err != nil {
		return err
	}
	sys.Storage.SetCommitInterval(5000)

	if err := sys.Config.Initialize(); err != nil {
		return err
	}
	if sys.opts.ConfigFile != "" {
		if err := sys.Config.LoadFile(sys.opts.ConfigFile); err != nil {
			return err
		}
		if err := sys.Config.Validate(); err != nil {
			return err
		}
	}
	config := sys.Config.Config()
	applyLogLevel(config.LogLevel)

	sys.Params.Init()

	sys.Inputs = NewInputManager(sys.Bus, sys.Clock, sys.opts.Hardware)
	sys.Inputs.Init()
	if sys.opts.Expander != nil {
		sys.Inputs.SetExpander(sys.opts.Expander)
	}
	if sys.opts.ADC != nil {
		sys.Inputs.SetExternalADC(sys.opts.ADC)
	}

	sys.Outputs = NewOutputManager(sys.Bus, sys.Clock, sys.opts.Hardware)
	sys.Outputs.Init()
	if sys.opts.ShiftReg != nil {
		sys.Outputs.SetShiftRegister(sys.opts.ShiftReg)
	}

	sys.Transmission = NewTransmissionControl(sys.Bus, sys.Clock,
		config.Transmission, DefaultTransmissionPins())
	sys.Transmission.Init()
	registered := sys.Inputs.RegisterSensors(sys.Transmission.SensorDefinitions())
	sys.Outputs.RegisterOutputs(sys.Transmission.OutputDefinitions())
	log.Infof("[ECU] transmission module registered %v sensors", registered)

	sys.Canbus = NewExternalCanBus(sys.Bus, sys.Clock, config.ExternalCanbus, sys.opts.CanDriver)
	if err := sys.Canbus.Init(); err != nil {
		log.Warnf("[ECU] external CAN init failed: %v", err)
	}

	sys.Serial = NewExternalSerial(sys.Bus, sys.Clock, sys.opts.SerialPort,
		config.SerialDeviceId, ChannelSerialUSB)
	sys.Serial.Init()

	sys.Broadcasting.SetExternalInterfaces(sys.Canbus, sys.Serial)
	sys.registerParameters()
	sys.registerForwarders()

	sys.initialized = true
	log.Info("[ECU] initialization complete")
	return nil
}

func (sys *System) registerParameters() {
	trans := sys.Transmission
	sys.Params.RegisterParameter(ParamTransCurrentGear,
		func() float32 { return float32(trans.State().CurrentGear) },
		nil, "Current gear position")
	sys.Params.RegisterParameter(ParamTransShiftCount,
		func() float32 { return float32(trans.ShiftCount()) },
		nil, "Completed paddle shifts")
	sys.Params.RegisterParameter(ParamTransFluidTemp,
		func() float32 { return trans.State().FluidTemperature },
		nil, "Transmission fluid temperature")
	sys.Params.RegisterParameter(ParamTransOverrunState,
		func() float32 { return float32(trans.State().OverrunState) },
		nil, "Overrun clutch state")
	sys.Params.RegisterParameter(ParamPaddleDebounceMs,
		func() float32 { return float32(trans.Config().PaddleDebounceMs) },
		func(v float32) bool {
			if !sys.Config.UpdatePaddleDebounce(uint32(v)) {
				return false
			}
			trans.Config().PaddleDebounceMs = uint32(v)
			return true
		}, "Paddle debounce time ms")
	sys.Params.RegisterParameter(ParamOverrunThrottleOff,
		func() float32 { return trans.Config().ThrottleDisengagePct },
		func(v float32) bool {
			if v <= trans.Config().ThrottleEngagePct || v > 100 {
				return false
			}
			trans.Config().ThrottleDisengagePct = v
			return true
		}, "Overrun disengage throttle %")
	sys.Params.RegisterParameter(ParamOverrunThrottleOn,
		func() float32 { return trans.Config().ThrottleEngagePct },
		func(v float32) bool {
			if v < 0 || v >= trans.Config().ThrottleDisengagePct {
				return false
			}
			trans.Config().ThrottleEngagePct = v
			return true
		}, "Overrun engage throttle %")
	sys.Params.RegisterParameter(ParamEcuSerialNumber,
		func() float32 { return float32(sys.Config.Config().SerialNumber) },
		func(v float32) bool { return sys.Config.UpdateSerialNumber(uint32(v)) },
		"ECU serial number")
	sys.Params.RegisterParameter(ParamEcuLoopsPerSecond,
		func() float32 { return float32(sys.loopsPerSecond) },
		nil, "Main loop frequency")
}

func (sys *System) registerForwarders() {
	sys.Params.RegisterChannelForwarder(ChannelCANBus, sys.Canbus.SendParameterResponse)
	sys.Params.RegisterChannelForwarder(ChannelSerialUSB, sys.Serial.SendParameterResponse)
}

// Run executes one loop tick in the fixed component order
func (sys *System) Run() {
	if !sys.initialized {
		return
	}
	loopStartUs := sys.Clock.Micros()

	sys.Inputs.Update()
	sys.Bus.Process()
	sys.Storage.Update()
	sys.Outputs.Update()
	sys.Transmission.Update()
	sys.Serial.Update()
	sys.Canbus.Update()
	sys.Bus.Process()

	sys.lastLoopTimeUs = sys.Clock.Micros() - loopStartUs

	sys.loopCount++
	nowMs := sys.Clock.Millis()
	if nowMs-sys.lastStatsResetMs >= 1000 {
		sys.loopsPerSecond = sys.loopCount
		sys.loopCount = 0
		sys.lastStatsResetMs = nowMs
		sys.updateHealth(nowMs)
	}

	interval := sys.Config.Config().StatusReportIntervalMs
	if interval != 0 && nowMs-sys.lastStatusMs >= interval {
		sys.logStatusReport()
		sys.lastStatusMs = nowMs
	}
}

// updateHealth flips the health bit when the error counters grow faster
// than the configured rate per second
func (sys *System) updateHealth(nowMs uint32) {
	total := sys.errorTotal()
	delta := total - sys.lastErrorTotal
	sys.lastErrorTotal = total

	wasHealthy := sys.healthy
	sys.healthy = delta <= sys.healthErrorRate
	if sys.healthy != wasHealthy {
		var health uint8
		if sys.healthy {
			health = 1
		}
		sys.Bus.PublishUint8(MsgSystemHealth, health)
		log.Warnf("[ECU] health bit -> %v (%v errors last second)", sys.healthy, delta)
	}
	sys.lastHealthCheckMs = nowMs
}

func (sys *System) errorTotal() uint32 {
	total := sys.Bus.QueueOverflows()
	total += sys.Inputs.TotalErrors()
	total += sys.Outputs.Stats().FaultCount
	total += sys.Canbus.Stats().Errors
	total += sys.Serial.Stats().ChecksumErrors + sys.Serial.Stats().SyncErrors
	total += sys.Storage.Stats().Errors
	return total
}

// SafeState drives every output to its declared safe value and broadcasts
// MsgSystemSafeState. The transmission does not subscribe to that message.
func (sys *System) SafeState() {
	if sys.Outputs != nil {
		sys.Outputs.SafeState()
	}
	sys.Bus.PublishUint8(MsgSystemSafeState, 1)
	sys.Bus.Process()
}

// ResetToDefaults restores the factory configuration
func (sys *System) ResetToDefaults() bool {
	return sys.Config.ResetToDefaults()
}

// Shutdown commits dirty storage and releases the drivers
func (sys *System) Shutdown() {
	if sys.Storage != nil {
		sys.Storage.CommitCache()
	}
	if sys.Canbus != nil {
		sys.Canbus.Shutdown()
	}
	sys.initialized = false
}

func (sys *System) IsHealthy() bool        { return sys.healthy }
func (sys *System) LoopsPerSecond() uint32 { return sys.loopsPerSecond }
func (sys *System) LastLoopTimeUs() uint32 { return sys.lastLoopTimeUs }

func (sys *System) logStatusReport() {
	canStats := sys.Canbus.Stats()
	log.Infof("[ECU] status: %v loops/s, %v µs/loop, gear %v, fluid %.1f°C, shifts %v",
		sys.loopsPerSecond, sys.lastLoopTimeUs,
		GearToString(sys.Transmission.State().CurrentGear),
		sys.Transmission.State().FluidTemperature,
		sys.Transmission.ShiftCount())
	log.Debugf("[ECU] bus: %v processed, %v/s, %v overflows | can: %v rx %v tx | storage: %v hits %v misses",
		sys.Bus.MessagesProcessed(), sys.Bus.MessagesPerSecond(), sys.Bus.QueueOverflows(),
		canStats.MessagesReceived, canStats.MessagesSent,
		sys.Storage.Stats().CacheHits, sys.Storage.Stats().CacheMisses)
}

func applyLogLevel(level string) {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return
	}
	log.SetLevel(parsed)
}
