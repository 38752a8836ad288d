package ecu

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Pin direction requested during registration
type PinMode uint8

const (
	PinInput PinMode = iota
	PinInputPullup
	PinOutput
)

// Edge capture state for frequency sensors. Interrupt context only bumps the
// counter and records timestamps, conversion happens in the input manager.
type EdgeCapture struct {
	Count      uint32
	LastEdgeUs uint32
	PrevEdgeUs uint32
}

// Hardware is the pin-level surface shared by the input and output managers.
// The output manager is the only writer of output pins.
type Hardware interface {
	PinMode(pin uint8, mode PinMode) error
	DigitalRead(pin uint8) bool
	DigitalWrite(pin uint8, level bool)
	AnalogRead(pin uint8) uint16
	PWMConfigure(pin uint8, freqHz uint32, resolutionBits uint8) error
	PWMWrite(pin uint8, duty uint32)
	AnalogWriteMillivolts(pin uint8, mv uint16) error
	WatchEdges(pin uint8) error
	ReadEdgeCapture(pin uint8) (EdgeCapture, bool)
}

// I2C pin expander, treated as an opaque collaborator
type PinExpander interface {
	ReadExpanderPin(pin uint8) (bool, error)
}

// External I2C ADC, treated as an opaque collaborator
type ExternalADC interface {
	ReadADCChannel(channel uint8) (uint16, error)
}

// Shift register or relay board reached over SPI
type ShiftRegister interface {
	WriteWord(value uint16) error
}

type edgeWatcher struct {
	count      uint32
	lastEdgeUs uint32
	prevEdgeUs uint32
	stop       chan struct{}
}

// PeriphHardware adapts periph.io gpio pins to the Hardware interface.
// Pins are registered by number before init, typically from cmd/ecu using
// gpioreg lookups. Analog reads go through an optional external ADC because
// the target boards sample through an I2C converter.
type PeriphHardware struct {
	clock Clock
	pins  map[uint8]gpio.PinIO
	adc   ExternalADC
	// analog pin -> ADC channel
	adcChannels map[uint8]uint8

	pwmFreq map[uint8]physic.Frequency
	pwmBits map[uint8]uint8

	watchers map[uint8]*edgeWatcher
}

func NewPeriphHardware(clock Clock) *PeriphHardware {
	return &PeriphHardware{
		clock:       clock,
		pins:        map[uint8]gpio.PinIO{},
		adcChannels: map[uint8]uint8{},
		pwmFreq:     map[uint8]physic.Frequency{},
		pwmBits:     map[uint8]uint8{},
		watchers:    map[uint8]*edgeWatcher{},
	}
}

// RegisterPin binds an MCU pin number to a periph gpio pin
func (hw *PeriphHardware) RegisterPin(pin uint8, p gpio.PinIO) {
	hw.pins[pin] = p
}

// RegisterADC binds analog pin numbers to channels of an external converter
func (hw *PeriphHardware) RegisterADC(adc ExternalADC, channels map[uint8]uint8) {
	hw.adc = adc
	for pin, ch := range channels {
		hw.adcChannels[pin] = ch
	}
}

func (hw *PeriphHardware) PinMode(pin uint8, mode PinMode) error {
	p, ok := hw.pins[pin]
	if !ok {
		return ErrDriverNotReady
	}
	switch mode {
	case PinInput:
		return p.In(gpio.Float, gpio.NoEdge)
	case PinInputPullup:
		return p.In(gpio.PullUp, gpio.NoEdge)
	case PinOutput:
		return p.Out(gpio.Low)
	}
	return ErrIllegalArgument
}

func (hw *PeriphHardware) DigitalRead(pin uint8) bool {
	p, ok := hw.pins[pin]
	if !ok {
		return false
	}
	return p.Read() == gpio.High
}

func (hw *PeriphHardware) DigitalWrite(pin uint8, level bool) {
	p, ok := hw.pins[pin]
	if !ok {
		return
	}
	l := gpio.Low
	if level {
		l = gpio.High
	}
	if err := p.Out(l); err != nil {
		log.Warnf("[HW] digital write pin %v failed: %v", pin, err)
	}
}

func (hw *PeriphHardware) AnalogRead(pin uint8) uint16 {
	if hw.adc == nil {
		return 0
	}
	ch, ok := hw.adcChannels[pin]
	if !ok {
		return 0
	}
	raw, err := hw.adc.ReadADCChannel(ch)
	if err != nil {
		log.Warnf("[HW] adc read pin %v failed: %v", pin, err)
		return 0
	}
	return raw
}

func (hw *PeriphHardware) PWMConfigure(pin uint8, freqHz uint32, resolutionBits uint8) error {
	if _, ok := hw.pins[pin]; !ok {
		return ErrDriverNotReady
	}
	hw.pwmFreq[pin] = physic.Frequency(freqHz) * physic.Hertz
	hw.pwmBits[pin] = resolutionBits
	return nil
}

func (hw *PeriphHardware) PWMWrite(pin uint8, duty uint32) {
	p, ok := hw.pins[pin]
	if !ok {
		return
	}
	bits := hw.pwmBits[pin]
	if bits == 0 {
		bits = 10
	}
	maxDuty := uint32(1)<<bits - 1
	if duty > maxDuty {
		duty = maxDuty
	}
	scaled := gpio.Duty(uint64(duty) * uint64(gpio.DutyMax) / uint64(maxDuty))
	if err := p.PWM(scaled, hw.pwmFreq[pin]); err != nil {
		log.Warnf("[HW] pwm write pin %v failed: %v", pin, err)
	}
}

func (hw *PeriphHardware) AnalogWriteMillivolts(pin uint8, mv uint16) error {
	// No DAC on the supported boards, analog gauges run from filtered PWM
	return ErrDriverNotReady
}

// WatchEdges starts edge capture on an input pin. The goroutine only touches
// atomics, the input manager picks the counters up on its next update.
func (hw *PeriphHardware) WatchEdges(pin uint8) error {
	p, ok := hw.pins[pin]
	if !ok {
		return ErrDriverNotReady
	}
	if _, running := hw.watchers[pin]; running {
		return nil
	}
	if err := p.In(gpio.PullUp, gpio.RisingEdge); err != nil {
		return err
	}
	w := &edgeWatcher{stop: make(chan struct{})}
	hw.watchers[pin] = w
	go func() {
		for {
			select {
			case <-w.stop:
				return
			default:
			}
			if p.WaitForEdge(-1) {
				now := hw.clock.Micros()
				atomic.StoreUint32(&w.prevEdgeUs, atomic.LoadUint32(&w.lastEdgeUs))
				atomic.StoreUint32(&w.lastEdgeUs, now)
				atomic.AddUint32(&w.count, 1)
			}
		}
	}()
	return nil
}

func (hw *PeriphHardware) ReadEdgeCapture(pin uint8) (EdgeCapture, bool) {
	w, ok := hw.watchers[pin]
	if !ok {
		return EdgeCapture{}, false
	}
	return EdgeCapture{
		Count:      atomic.LoadUint32(&w.count),
		LastEdgeUs: atomic.LoadUint32(&w.lastEdgeUs),
		PrevEdgeUs: atomic.LoadUint32(&w.prevEdgeUs),
	}, true
}

func (hw *PeriphHardware) Close() {
	for _, w := range hw.watchers {
		close(w.stop)
	}
}

// SPI backed shift register used for OutputSpi outputs
type SpiShiftRegister struct {
	conn spi.Conn
}

func NewSpiShiftRegister(conn spi.Conn) *SpiShiftRegister {
	return &SpiShiftRegister{conn: conn}
}

func (sr *SpiShiftRegister) WriteWord(value uint16) error {
	tx := []byte{byte(value >> 8), byte(value)}
	return sr.conn.Tx(tx, nil)
}
