package ecu

import (
	log "github.com/sirupsen/logrus"
)

const MaxOutputs = 32

// Output kinds driven by the output manager
type OutputKind uint8

const (
	OutputPwm OutputKind = iota
	OutputDigital
	OutputAnalog
	OutputSpi
	OutputVirtual
)

type PwmConfig struct {
	FrequencyHz    uint32
	ResolutionBits uint8
	MinDuty        float32 // 0..1
	MaxDuty        float32 // 0..1
	DefaultDuty    float32
}

type DigitalOutConfig struct {
	ActiveHigh   bool
	OpenDrain    bool
	DefaultState bool
}

type AnalogOutConfig struct {
	MinMv     uint16
	MaxMv     uint16
	DefaultMv uint16
}

type SpiOutConfig struct {
	Bit          uint8
	DefaultState bool
}

type VirtualConfig struct {
	// Internal trigger hook, no hardware write
	Handler func(value float32)
}

// Immutable output definition. The output manager owns the table and all
// GPIO state, other modules only publish command messages.
type OutputDefinition struct {
	Pin  uint8
	Kind OutputKind

	Pwm     PwmConfig
	Digital DigitalOutConfig
	Analog  AnalogOutConfig
	Spi     SpiOutConfig
	Virtual VirtualConfig

	MsgId       uint32
	RateLimitMs uint32
	Name        string
}

type outputRuntime struct {
	value        float32
	lastUpdateMs uint32
	updated      bool
	fault        bool
	updateCount  uint32
	rateLimited  uint32
}

type OutputManagerStats struct {
	TotalOutputs int
	TotalUpdates uint32
	RateLimited  uint32
	FaultCount   uint32
}

// OutputManager drives physical outputs in response to subscribed messages,
// with rate limiting and fault tracking.
type OutputManager struct {
	bus   *MessageBus
	clock Clock
	hw    Hardware
	sr    ShiftRegister

	outputs [MaxOutputs]OutputDefinition
	runtime [MaxOutputs]outputRuntime
	count   int

	spiWord      uint16
	spiWordDirty bool

	totalUpdates uint32
	rateLimited  uint32
}

func NewOutputManager(bus *MessageBus, clock Clock, hw Hardware) *OutputManager {
	return &OutputManager{bus: bus, clock: clock, hw: hw}
}

// SetShiftRegister installs the SPI expansion board used by OutputSpi outputs
func (om *OutputManager) SetShiftRegister(sr ShiftRegister) {
	om.sr = sr
}

func (om *OutputManager) Init() {
	om.count = 0
	om.totalUpdates = 0
	om.rateLimited = 0
	om.spiWord = 0
	log.Debug("[OUTPUTS] initialized")
}

// RegisterOutputs configures the pins and subscribes one bus handler per
// output. Returns how many outputs were added.
func (om *OutputManager) RegisterOutputs(defs []OutputDefinition) int {
	registered := 0
	for _, def := range defs {
		if om.count >= MaxOutputs {
			log.Warnf("[OUTPUTS] output table full, dropping %v", def.Name)
			break
		}
		index := om.count
		om.outputs[index] = def
		om.runtime[index] = outputRuntime{}
		om.count++
		registered++

		om.configureOutput(index)
		om.bus.Subscribe(def.MsgId, func(msg *CANMessage) {
			value, ok := UnpackFloat(msg)
			if !ok {
				return
			}
			om.SetValue(index, value)
		})
	}
	log.Infof("[OUTPUTS] registered %v outputs (%v total)", registered, om.count)
	return registered
}

func (om *OutputManager) configureOutput(index int) {
	def := &om.outputs[index]
	switch def.Kind {
	case OutputPwm:
		_ = om.hw.PinMode(def.Pin, PinOutput)
		if err := om.hw.PWMConfigure(def.Pin, def.Pwm.FrequencyHz, def.Pwm.ResolutionBits); err != nil {
			log.Warnf("[OUTPUTS] pwm configure failed for %v: %v", def.Name, err)
			om.runtime[index].fault = true
		}
		om.applyPwm(index, def.Pwm.DefaultDuty)
	case OutputDigital:
		_ = om.hw.PinMode(def.Pin, PinOutput)
		om.applyDigital(index, boolToFloat(def.Digital.DefaultState))
	case OutputAnalog:
		om.applyAnalog(index, float32(def.Analog.DefaultMv))
	case OutputSpi:
		om.applySpi(index, boolToFloat(def.Spi.DefaultState))
	case OutputVirtual:
		// nothing to configure
	}
}

// SetValue writes an output directly, bypassing the message bus. Writes
// inside the rate-limit window are dropped, not queued.
func (om *OutputManager) SetValue(index int, value float32) bool {
	if index < 0 || index >= om.count {
		return false
	}
	def := &om.outputs[index]
	rt := &om.runtime[index]

	nowMs := om.clock.Millis()
	if rt.updated && def.RateLimitMs != 0 && nowMs-rt.lastUpdateMs < def.RateLimitMs {
		rt.rateLimited++
		om.rateLimited++
		return false
	}

	om.apply(index, value)
	rt.value = value
	rt.lastUpdateMs = nowMs
	rt.updated = true
	rt.updateCount++
	om.totalUpdates++
	return true
}

func (om *OutputManager) apply(index int, value float32) {
	def := &om.outputs[index]
	switch def.Kind {
	case OutputPwm:
		om.applyPwm(index, value)
	case OutputDigital:
		om.applyDigital(index, value)
	case OutputAnalog:
		om.applyAnalog(index, value)
	case OutputSpi:
		om.applySpi(index, value)
	case OutputVirtual:
		if def.Virtual.Handler != nil {
			def.Virtual.Handler(value)
		}
	}
}

func (om *OutputManager) applyPwm(index int, duty float32) {
	def := &om.outputs[index]
	if duty < def.Pwm.MinDuty {
		duty = def.Pwm.MinDuty
	}
	if duty > def.Pwm.MaxDuty {
		duty = def.Pwm.MaxDuty
	}
	bits := def.Pwm.ResolutionBits
	if bits == 0 {
		bits = 10
	}
	counts := uint32(duty * float32(uint32(1)<<bits-1))
	om.hw.PWMWrite(def.Pin, counts)
}

func (om *OutputManager) applyDigital(index int, value float32) {
	def := &om.outputs[index]
	active := value >= 0.5
	level := active == def.Digital.ActiveHigh
	if def.Digital.OpenDrain && !active {
		// released, the external pullup defines the idle level
		level = true
	}
	om.hw.DigitalWrite(def.Pin, level)
}

func (om *OutputManager) applyAnalog(index int, mv float32) {
	def := &om.outputs[index]
	if mv < float32(def.Analog.MinMv) {
		mv = float32(def.Analog.MinMv)
	}
	if mv > float32(def.Analog.MaxMv) {
		mv = float32(def.Analog.MaxMv)
	}
	if err := om.hw.AnalogWriteMillivolts(def.Pin, uint16(mv)); err != nil {
		om.runtime[index].fault = true
	}
}

func (om *OutputManager) applySpi(index int, value float32) {
	def := &om.outputs[index]
	mask := uint16(1) << def.Spi.Bit
	word := om.spiWord
	if value >= 0.5 {
		word |= mask
	} else {
		word &^= mask
	}
	if word != om.spiWord {
		om.spiWord = word
		om.spiWordDirty = true
	}
}

// Update refreshes PWM outputs and flushes the SPI expansion word. Fault
// flags are not re-checked or cleared here and no status is published.
func (om *OutputManager) Update() {
	for i := 0; i < om.count; i++ {
		def := &om.outputs[i]
		rt := &om.runtime[i]
		if def.Kind == OutputPwm && rt.updated {
			om.applyPwm(i, rt.value)
		}
	}
	if om.spiWordDirty && om.sr != nil {
		if err := om.sr.WriteWord(om.spiWord); err != nil {
			log.Warnf("[OUTPUTS] spi write failed: %v", err)
		} else {
			om.spiWordDirty = false
		}
	}
}

// SafeState forces every output to its declared default value, ignoring
// rate limits
func (om *OutputManager) SafeState() {
	for i := 0; i < om.count; i++ {
		def := &om.outputs[i]
		switch def.Kind {
		case OutputPwm:
			om.applyPwm(i, def.Pwm.DefaultDuty)
			om.runtime[i].value = def.Pwm.DefaultDuty
		case OutputDigital:
			om.applyDigital(i, boolToFloat(def.Digital.DefaultState))
			om.runtime[i].value = boolToFloat(def.Digital.DefaultState)
		case OutputAnalog:
			om.applyAnalog(i, float32(def.Analog.DefaultMv))
			om.runtime[i].value = float32(def.Analog.DefaultMv)
		case OutputSpi:
			om.applySpi(i, boolToFloat(def.Spi.DefaultState))
			om.runtime[i].value = boolToFloat(def.Spi.DefaultState)
		case OutputVirtual:
			// virtual outputs have no safe level
		}
	}
	om.Update()
	log.Info("[OUTPUTS] safe state applied")
}

func (om *OutputManager) Value(index int) (float32, bool) {
	if index < 0 || index >= om.count {
		return 0, false
	}
	return om.runtime[index].value, true
}

// IndexFor returns the table index of the output bound to a message ID
func (om *OutputManager) IndexFor(msgId uint32) (int, bool) {
	for i := 0; i < om.count; i++ {
		if om.outputs[i].MsgId == msgId {
			return i, true
		}
	}
	return 0, false
}

func (om *OutputManager) Stats() OutputManagerStats {
	stats := OutputManagerStats{
		TotalOutputs: om.count,
		TotalUpdates: om.totalUpdates,
		RateLimited:  om.rateLimited,
	}
	for i := 0; i < om.count; i++ {
		if om.runtime[i].fault {
			stats.FaultCount++
		}
	}
	return stats
}

func boolToFloat(b bool) float32 {
	if b {
		return 1.0
	}
	return 0.0
}
