package ecu

// Mock hardware used across the package tests, the stand-in for a real board

type mockHardware struct {
	modes   map[uint8]PinMode
	digital map[uint8]bool
	analog  map[uint8]uint16
	written map[uint8]bool
	pwm     map[uint8]uint32
	pwmFreq map[uint8]uint32
	dacMv   map[uint8]uint16
	edges   map[uint8]EdgeCapture
	watched map[uint8]bool
}

func newMockHardware() *mockHardware {
	return &mockHardware{
		modes:   map[uint8]PinMode{},
		digital: map[uint8]bool{},
		analog:  map[uint8]uint16{},
		written: map[uint8]bool{},
		pwm:     map[uint8]uint32{},
		pwmFreq: map[uint8]uint32{},
		dacMv:   map[uint8]uint16{},
		edges:   map[uint8]EdgeCapture{},
		watched: map[uint8]bool{},
	}
}

func (hw *mockHardware) PinMode(pin uint8, mode PinMode) error {
	hw.modes[pin] = mode
	return nil
}

func (hw *mockHardware) DigitalRead(pin uint8) bool {
	level, ok := hw.digital[pin]
	if !ok {
		// Pullup inputs idle high
		return hw.modes[pin] == PinInputPullup
	}
	return level
}

func (hw *mockHardware) DigitalWrite(pin uint8, level bool) {
	hw.written[pin] = level
}

func (hw *mockHardware) AnalogRead(pin uint8) uint16 {
	return hw.analog[pin]
}

func (hw *mockHardware) PWMConfigure(pin uint8, freqHz uint32, resolutionBits uint8) error {
	hw.pwmFreq[pin] = freqHz
	return nil
}

func (hw *mockHardware) PWMWrite(pin uint8, duty uint32) {
	hw.pwm[pin] = duty
}

func (hw *mockHardware) AnalogWriteMillivolts(pin uint8, mv uint16) error {
	hw.dacMv[pin] = mv
	return nil
}

func (hw *mockHardware) WatchEdges(pin uint8) error {
	hw.watched[pin] = true
	return nil
}

func (hw *mockHardware) ReadEdgeCapture(pin uint8) (EdgeCapture, bool) {
	cap, ok := hw.edges[pin]
	return cap, ok
}

// Test helpers

func (hw *mockHardware) setDigital(pin uint8, level bool) {
	hw.digital[pin] = level
}

// setAnalogVoltage mirrors a 12-bit ADC referenced to 3.3V
func (hw *mockHardware) setAnalogVoltage(pin uint8, volts float32) {
	counts := volts / 3.3 * 4095.0
	if counts < 0 {
		counts = 0
	}
	if counts > 4095 {
		counts = 4095
	}
	hw.analog[pin] = uint16(counts)
}

func (hw *mockHardware) setEdges(pin uint8, cap EdgeCapture) {
	hw.edges[pin] = cap
}

type mockExpander struct {
	pins map[uint8]bool
	err  error
}

func newMockExpander() *mockExpander {
	return &mockExpander{pins: map[uint8]bool{}}
}

func (e *mockExpander) ReadExpanderPin(pin uint8) (bool, error) {
	if e.err != nil {
		return false, e.err
	}
	return e.pins[pin], nil
}

type mockADC struct {
	channels map[uint8]uint16
	err      error
}

func newMockADC() *mockADC {
	return &mockADC{channels: map[uint8]uint16{}}
}

func (a *mockADC) ReadADCChannel(channel uint8) (uint16, error) {
	if a.err != nil {
		return 0, a.err
	}
	return a.channels[channel], nil
}

type mockShiftRegister struct {
	words []uint16
}

func (sr *mockShiftRegister) WriteWord(value uint16) error {
	sr.words = append(sr.words, value)
	return nil
}
