package ecu

import (
	log "github.com/sirupsen/logrus"
)

const MaxSensors = 32

// Sensor kinds supported by the input manager
type SensorKind uint8

const (
	SensorAnalogLinear SensorKind = iota
	SensorThermistor
	SensorDigitalPullup
	SensorFrequencyCounter
	SensorI2cExpanderDigital
	SensorI2cADC
)

// Linear voltage to engineering-unit calibration. Voltages at or outside
// [MinVoltage, MaxVoltage] clamp to the matching output. FaultLow/FaultHigh,
// when set, mark readings outside them as wiring faults instead.
type LinearConfig struct {
	MinVoltage float32
	MaxVoltage float32
	MinValue   float32
	MaxValue   float32
	FaultLow   float32
	FaultHigh  float32
}

type ThermistorConfig struct {
	Table ThermistorTable
}

type DigitalConfig struct {
	UsePullup   bool
	InvertLogic bool
}

type FrequencyConfig struct {
	// Polled mode counts edges per update window, interrupt mode publishes
	// the timestamp difference of the last two edges at MessageRateHz
	UseInterrupts bool
	MessageRateHz uint8
	PulsesPerUnit float32
	ScalingFactor float32
	TimeoutUs     uint32
}

type ExpanderConfig struct {
	InvertLogic bool
}

type ADCConfig struct {
	Channel        uint8
	ResolutionBits uint8
	Vref           float32
	Linear         LinearConfig
}

// Immutable sensor definition, registered once. Only the config matching
// Kind is read.
type SensorDefinition struct {
	Pin  uint8
	Kind SensorKind

	Linear     LinearConfig
	Thermistor ThermistorConfig
	Digital    DigitalConfig
	Frequency  FrequencyConfig
	Expander   ExpanderConfig
	ADC        ADCConfig

	MsgId            uint32
	UpdateIntervalUs uint32 // 0 = every call
	FilterStrength   uint8  // 0..255, 0 = no filtering
	Name             string
}

// Mutable per-sensor state owned by the input manager
type sensorRuntime struct {
	lastRaw       float32
	value         float32
	lastSampleUs  uint32
	lastPublishUs uint32
	updateCount   uint32
	errorCount    uint32
	valid         bool
	sampled       bool

	// frequency counter bookkeeping
	lastEdgeCount uint32
	lastWindowUs  uint32
	windowStarted bool
}

// InputManager samples sensors at their declared periods, converts raw
// readings to engineering units, filters and publishes them on the bus.
type InputManager struct {
	bus      *MessageBus
	clock    Clock
	hw       Hardware
	expander PinExpander
	adc      ExternalADC

	adcResolutionBits uint8
	adcVref           float32

	sensors [MaxSensors]SensorDefinition
	runtime [MaxSensors]sensorRuntime
	count   int

	totalUpdates uint32
	totalErrors  uint32
}

func NewInputManager(bus *MessageBus, clock Clock, hw Hardware) *InputManager {
	return &InputManager{
		bus:               bus,
		clock:             clock,
		hw:                hw,
		adcResolutionBits: 12,
		adcVref:           3.3,
	}
}

// SetExpander installs the I2C pin expander used by expander sensors
func (im *InputManager) SetExpander(expander PinExpander) {
	im.expander = expander
}

// SetExternalADC installs the I2C converter used by SensorI2cADC sensors
func (im *InputManager) SetExternalADC(adc ExternalADC) {
	im.adc = adc
}

func (im *InputManager) Init() {
	im.count = 0
	im.totalUpdates = 0
	im.totalErrors = 0
	log.Debug("[INPUTS] initialized")
}

// RegisterSensors appends definitions and configures their pins.
// Existing registrations are never modified. Returns how many were added.
func (im *InputManager) RegisterSensors(defs []SensorDefinition) int {
	registered := 0
	for _, def := range defs {
		if im.count >= MaxSensors {
			log.Warnf("[INPUTS] sensor table full, dropping %v", def.Name)
			break
		}
		// interrupt frequency sensors publish at their declared rate
		if def.Kind == SensorFrequencyCounter && def.Frequency.UseInterrupts &&
			def.UpdateIntervalUs == 0 && def.Frequency.MessageRateHz != 0 {
			def.UpdateIntervalUs = 1000000 / uint32(def.Frequency.MessageRateHz)
		}
		im.configurePin(&def)
		im.sensors[im.count] = def
		im.runtime[im.count] = sensorRuntime{}
		im.count++
		registered++
	}
	log.Infof("[INPUTS] registered %v sensors (%v total)", registered, im.count)
	return registered
}

func (im *InputManager) configurePin(def *SensorDefinition) {
	switch def.Kind {
	case SensorAnalogLinear, SensorThermistor:
		_ = im.hw.PinMode(def.Pin, PinInput)
	case SensorDigitalPullup:
		mode := PinInput
		if def.Digital.UsePullup {
			mode = PinInputPullup
		}
		_ = im.hw.PinMode(def.Pin, mode)
	case SensorFrequencyCounter:
		_ = im.hw.PinMode(def.Pin, PinInputPullup)
		if err := im.hw.WatchEdges(def.Pin); err != nil {
			log.Warnf("[INPUTS] edge capture unavailable on pin %v: %v", def.Pin, err)
		}
	case SensorI2cExpanderDigital, SensorI2cADC:
		// pins live on the external chip
	}
}

// Update samples every sensor whose period has elapsed. A sensor publishes
// at most once per call, conversion failures increment the error counter
// and skip the publish.
func (im *InputManager) Update() {
	nowUs := im.clock.Micros()

	for i := 0; i < im.count; i++ {
		def := &im.sensors[i]
		rt := &im.runtime[i]

		if rt.sampled && def.UpdateIntervalUs != 0 &&
			nowUs-rt.lastSampleUs < def.UpdateIntervalUs {
			continue
		}

		raw, ok := im.sample(def, rt, nowUs)
		rt.lastSampleUs = nowUs
		if !ok {
			rt.errorCount++
			rt.valid = false
			im.totalErrors++
			continue
		}

		if !rt.sampled {
			rt.value = raw
		} else {
			rt.value = filterExponential(rt.value, raw, def.FilterStrength)
		}
		rt.sampled = true
		rt.lastRaw = raw
		rt.valid = true
		rt.updateCount++
		im.totalUpdates++

		if im.bus.PublishFloat(def.MsgId, rt.value) {
			rt.lastPublishUs = nowUs
		}
	}
}

// filterExponential applies out = prev + (raw - prev) * (256 - s) / 256
func filterExponential(prev, raw float32, strength uint8) float32 {
	return prev + (raw-prev)*float32(256-uint16(strength))/256.0
}

func (im *InputManager) sample(def *SensorDefinition, rt *sensorRuntime, nowUs uint32) (float32, bool) {
	switch def.Kind {
	case SensorAnalogLinear:
		volts := im.countsToVolts(im.hw.AnalogRead(def.Pin), im.adcResolutionBits, im.adcVref)
		return calibrateLinear(&def.Linear, volts)

	case SensorThermistor:
		counts := im.hw.AnalogRead(def.Pin)
		maxCounts := uint16(1)<<im.adcResolutionBits - 1
		// rail readings mean an open or shorted divider
		if counts == 0 || counts == maxCounts {
			return 0, false
		}
		volts := im.countsToVolts(counts, im.adcResolutionBits, im.adcVref)
		return def.Thermistor.Table.Lookup(volts), true

	case SensorDigitalPullup:
		level := im.hw.DigitalRead(def.Pin)
		if def.Digital.InvertLogic {
			level = !level
		}
		if level {
			return 1.0, true
		}
		return 0.0, true

	case SensorFrequencyCounter:
		return im.sampleFrequency(def, rt, nowUs)

	case SensorI2cExpanderDigital:
		if im.expander == nil {
			return 0, false
		}
		level, err := im.expander.ReadExpanderPin(def.Pin)
		if err != nil {
			return 0, false
		}
		if def.Expander.InvertLogic {
			level = !level
		}
		if level {
			return 1.0, true
		}
		return 0.0, true

	case SensorI2cADC:
		if im.adc == nil {
			return 0, false
		}
		raw, err := im.adc.ReadADCChannel(def.ADC.Channel)
		if err != nil {
			return 0, false
		}
		bits := def.ADC.ResolutionBits
		if bits == 0 {
			bits = 12
		}
		vref := def.ADC.Vref
		if vref == 0 {
			vref = im.adcVref
		}
		volts := im.countsToVolts(raw, bits, vref)
		return calibrateLinear(&def.ADC.Linear, volts)
	}
	return 0, false
}

func (im *InputManager) sampleFrequency(def *SensorDefinition, rt *sensorRuntime, nowUs uint32) (float32, bool) {
	cap, ok := im.hw.ReadEdgeCapture(def.Pin)
	if !ok {
		return 0, false
	}

	cfg := &def.Frequency
	pulsesPerUnit := cfg.PulsesPerUnit
	if pulsesPerUnit == 0 {
		pulsesPerUnit = 1
	}
	scaling := cfg.ScalingFactor
	if scaling == 0 {
		scaling = 1
	}

	var freqHz float32
	if cfg.UseInterrupts {
		// period between the last two captured edges
		if cap.Count < 2 {
			return 0, true
		}
		if cfg.TimeoutUs != 0 && nowUs-cap.LastEdgeUs > cfg.TimeoutUs {
			return 0, true
		}
		period := cap.LastEdgeUs - cap.PrevEdgeUs
		if period == 0 {
			return 0, true
		}
		freqHz = 1e6 / float32(period)
	} else {
		// edges counted across the elapsed window
		if !rt.windowStarted {
			rt.windowStarted = true
			rt.lastWindowUs = nowUs
			rt.lastEdgeCount = cap.Count
			return 0, true
		}
		window := nowUs - rt.lastWindowUs
		if window == 0 {
			return rt.lastRaw, true
		}
		edges := cap.Count - rt.lastEdgeCount
		rt.lastWindowUs = nowUs
		rt.lastEdgeCount = cap.Count
		freqHz = float32(edges) * 1e6 / float32(window)
	}

	return freqHz / pulsesPerUnit * scaling, true
}

func (im *InputManager) countsToVolts(counts uint16, bits uint8, vref float32) float32 {
	maxCounts := float32(uint32(1)<<bits - 1)
	return float32(counts) / maxCounts * vref
}

func calibrateLinear(cfg *LinearConfig, volts float32) (float32, bool) {
	if cfg.FaultLow != 0 || cfg.FaultHigh != 0 {
		if volts < cfg.FaultLow || volts > cfg.FaultHigh {
			return 0, false
		}
	}
	if volts <= cfg.MinVoltage {
		return cfg.MinValue, true
	}
	if volts >= cfg.MaxVoltage {
		return cfg.MaxValue, true
	}
	f := (volts - cfg.MinVoltage) / (cfg.MaxVoltage - cfg.MinVoltage)
	return cfg.MinValue + f*(cfg.MaxValue-cfg.MinValue), true
}

// Statistics

func (im *InputManager) SensorCount() int { return im.count }

func (im *InputManager) ValidSensorCount() int {
	valid := 0
	for i := 0; i < im.count; i++ {
		if im.runtime[i].valid {
			valid++
		}
	}
	return valid
}

func (im *InputManager) TotalUpdates() uint32 { return im.totalUpdates }
func (im *InputManager) TotalErrors() uint32  { return im.totalErrors }

// SensorValue returns the last calibrated value of a registered sensor
func (im *InputManager) SensorValue(index int) (float32, bool) {
	if index < 0 || index >= im.count {
		return 0, false
	}
	return im.runtime[index].value, im.runtime[index].valid
}
