package ecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func createInputs() (*InputManager, *MessageBus, *mockHardware, *testClock) {
	clock := &testClock{}
	bus := NewMessageBus(clock)
	bus.Init()
	hw := newMockHardware()
	im := NewInputManager(bus, clock, hw)
	im.Init()
	return im, bus, hw, clock
}

func captureFloat(bus *MessageBus, msgId uint32, out *float32, count *int) {
	bus.Subscribe(msgId, func(msg *CANMessage) {
		v, ok := UnpackFloat(msg)
		if ok {
			*out = v
			*count++
		}
	})
}

func TestAnalogLinearInterpolation(t *testing.T) {
	im, bus, hw, _ := createInputs()

	// 0.5V..4.5V -> 0..100% style TPS on a 3.3V rail scaled to 0.3..3.0
	def := SensorDefinition{
		Pin:  14,
		Kind: SensorAnalogLinear,
		Linear: LinearConfig{
			MinVoltage: 0.3, MaxVoltage: 3.0,
			MinValue: 0.0, MaxValue: 100.0,
		},
		MsgId: MsgThrottlePosition,
		Name:  "TPS",
	}
	assert.Equal(t, 1, im.RegisterSensors([]SensorDefinition{def}))

	var value float32
	count := 0
	captureFloat(bus, MsgThrottlePosition, &value, &count)

	hw.setAnalogVoltage(14, 1.65)
	im.Update()
	bus.Process()
	assert.Equal(t, 1, count)
	assert.InDelta(t, 50.0, value, 0.5)
}

func TestAnalogLinearClamping(t *testing.T) {
	im, bus, hw, clock := createInputs()

	def := SensorDefinition{
		Pin:  14,
		Kind: SensorAnalogLinear,
		Linear: LinearConfig{
			MinVoltage: 0.5, MaxVoltage: 3.0,
			MinValue: 10.0, MaxValue: 90.0,
		},
		MsgId: MsgThrottlePosition,
	}
	im.RegisterSensors([]SensorDefinition{def})

	var value float32
	count := 0
	captureFloat(bus, MsgThrottlePosition, &value, &count)

	hw.setAnalogVoltage(14, 0.1)
	im.Update()
	bus.Process()
	assert.EqualValues(t, 10.0, value)

	clock.advanceUs(1)
	hw.setAnalogVoltage(14, 3.29)
	im.Update()
	bus.Process()
	assert.EqualValues(t, 90.0, value)
}

func TestAnalogLinearFaultRange(t *testing.T) {
	im, bus, hw, _ := createInputs()

	def := SensorDefinition{
		Pin:  14,
		Kind: SensorAnalogLinear,
		Linear: LinearConfig{
			MinVoltage: 0.5, MaxVoltage: 3.0,
			MinValue: 0.0, MaxValue: 100.0,
			FaultLow: 0.2, FaultHigh: 3.2,
		},
		MsgId: MsgThrottlePosition,
	}
	im.RegisterSensors([]SensorDefinition{def})

	count := 0
	var value float32
	captureFloat(bus, MsgThrottlePosition, &value, &count)

	// open circuit reads the rail
	hw.setAnalogVoltage(14, 3.3)
	im.Update()
	bus.Process()
	assert.Equal(t, 0, count)
	assert.EqualValues(t, 1, im.TotalErrors())
	assert.Equal(t, 0, im.ValidSensorCount())
}

func TestDigitalPullupInversion(t *testing.T) {
	im, bus, hw, _ := createInputs()

	def := SensorDefinition{
		Pin:     22,
		Kind:    SensorDigitalPullup,
		Digital: DigitalConfig{UsePullup: true, InvertLogic: true},
		MsgId:   MsgTransParkSwitch,
	}
	im.RegisterSensors([]SensorDefinition{def})

	var value float32
	count := 0
	captureFloat(bus, MsgTransParkSwitch, &value, &count)

	// active low switch pressed
	hw.setDigital(22, false)
	im.Update()
	bus.Process()
	assert.Equal(t, 1, count)
	assert.EqualValues(t, 1.0, value)
}

func TestUpdatePeriodGating(t *testing.T) {
	im, bus, hw, clock := createInputs()

	def := SensorDefinition{
		Pin:              14,
		Kind:             SensorAnalogLinear,
		Linear:           LinearConfig{MinVoltage: 0, MaxVoltage: 3.3, MinValue: 0, MaxValue: 100},
		MsgId:            MsgThrottlePosition,
		UpdateIntervalUs: 10000,
	}
	im.RegisterSensors([]SensorDefinition{def})
	hw.setAnalogVoltage(14, 1.0)

	var value float32
	count := 0
	captureFloat(bus, MsgThrottlePosition, &value, &count)

	im.Update()
	im.Update() // period not elapsed, no second sample
	bus.Process()
	assert.Equal(t, 1, count)

	clock.advanceUs(10000)
	im.Update()
	bus.Process()
	assert.Equal(t, 2, count)
}

func TestExponentialFilter(t *testing.T) {
	im, bus, hw, clock := createInputs()

	def := SensorDefinition{
		Pin:            14,
		Kind:           SensorAnalogLinear,
		Linear:         LinearConfig{MinVoltage: 0, MaxVoltage: 3.3, MinValue: 0, MaxValue: 3.3},
		MsgId:          MsgThrottlePosition,
		FilterStrength: 128,
	}
	im.RegisterSensors([]SensorDefinition{def})

	var value float32
	count := 0
	captureFloat(bus, MsgThrottlePosition, &value, &count)

	// first sample seeds the filter
	hw.setAnalogVoltage(14, 1.0)
	im.Update()
	bus.Process()
	assert.InDelta(t, 1.0, value, 0.01)

	// step change moves halfway at strength 128
	clock.advanceUs(1)
	hw.setAnalogVoltage(14, 2.0)
	im.Update()
	bus.Process()
	assert.InDelta(t, 1.5, value, 0.01)
}

func TestThermistorSensor(t *testing.T) {
	im, bus, hw, _ := createInputs()

	def := SensorDefinition{
		Pin:        16,
		Kind:       SensorThermistor,
		Thermistor: ThermistorConfig{Table: generateTestTable()},
		MsgId:      MsgTransFluidTemp,
	}
	im.RegisterSensors([]SensorDefinition{def})

	var value float32
	count := 0
	captureFloat(bus, MsgTransFluidTemp, &value, &count)

	v25 := float32(3.3 * 10000.0 / 12200.0)
	hw.setAnalogVoltage(16, v25)
	im.Update()
	bus.Process()
	assert.Equal(t, 1, count)
	assert.InDelta(t, 25.0, value, 1.5)
}

func TestThermistorOpenCircuit(t *testing.T) {
	im, bus, hw, _ := createInputs()

	def := SensorDefinition{
		Pin:        16,
		Kind:       SensorThermistor,
		Thermistor: ThermistorConfig{Table: generateTestTable()},
		MsgId:      MsgTransFluidTemp,
	}
	im.RegisterSensors([]SensorDefinition{def})

	count := 0
	var value float32
	captureFloat(bus, MsgTransFluidTemp, &value, &count)

	// rail reading, divider open
	hw.analog[16] = 4095
	im.Update()
	bus.Process()
	assert.Equal(t, 0, count)
	assert.EqualValues(t, 1, im.TotalErrors())
}

func TestFrequencyCounterPolled(t *testing.T) {
	im, bus, hw, clock := createInputs()

	def := SensorDefinition{
		Pin:  5,
		Kind: SensorFrequencyCounter,
		Frequency: FrequencyConfig{
			PulsesPerUnit: 4.0,
			ScalingFactor: 1.0,
		},
		MsgId:            MsgVehicleSpeed,
		UpdateIntervalUs: 100000,
	}
	im.RegisterSensors([]SensorDefinition{def})
	assert.True(t, hw.watched[5])

	var value float32
	count := 0
	captureFloat(bus, MsgVehicleSpeed, &value, &count)

	// first update seeds the window
	hw.setEdges(5, EdgeCapture{Count: 0})
	im.Update()
	bus.Process()

	// 40 edges over 100ms -> 400Hz -> 100 units
	clock.advanceUs(100000)
	hw.setEdges(5, EdgeCapture{Count: 40})
	im.Update()
	bus.Process()
	assert.InDelta(t, 100.0, value, 0.1)
}

func TestFrequencyCounterInterrupt(t *testing.T) {
	im, bus, hw, clock := createInputs()

	def := SensorDefinition{
		Pin:  5,
		Kind: SensorFrequencyCounter,
		Frequency: FrequencyConfig{
			UseInterrupts: true,
			PulsesPerUnit: 1.0,
			ScalingFactor: 1.0,
			TimeoutUs:     500000,
		},
		MsgId: MsgEngineRPM,
	}
	im.RegisterSensors([]SensorDefinition{def})

	var value float32
	count := 0
	captureFloat(bus, MsgEngineRPM, &value, &count)

	// edges 1000µs apart -> 1kHz
	clock.advanceUs(10000)
	hw.setEdges(5, EdgeCapture{Count: 5, PrevEdgeUs: 8000, LastEdgeUs: 9000})
	im.Update()
	bus.Process()
	assert.InDelta(t, 1000.0, value, 0.1)

	// no edges past the timeout -> 0Hz
	clock.advanceUs(600000)
	im.Update()
	bus.Process()
	assert.EqualValues(t, 0.0, value)
}

func TestFrequencyMessageRateGating(t *testing.T) {
	im, bus, hw, clock := createInputs()

	def := SensorDefinition{
		Pin:  5,
		Kind: SensorFrequencyCounter,
		Frequency: FrequencyConfig{
			UseInterrupts: true,
			MessageRateHz: 100, // every 10ms
			PulsesPerUnit: 1.0,
		},
		MsgId: MsgEngineRPM,
	}
	im.RegisterSensors([]SensorDefinition{def})
	hw.setEdges(5, EdgeCapture{Count: 10, PrevEdgeUs: 0, LastEdgeUs: 1000})

	var value float32
	count := 0
	captureFloat(bus, MsgEngineRPM, &value, &count)

	im.Update()
	im.Update() // inside the 10ms window, no second publish
	bus.Process()
	assert.Equal(t, 1, count)

	clock.advanceUs(10000)
	im.Update()
	bus.Process()
	assert.Equal(t, 2, count)
}

func TestExpanderSensor(t *testing.T) {
	im, bus, _, _ := createInputs()
	expander := newMockExpander()
	im.SetExpander(expander)

	def := SensorDefinition{
		Pin:      3,
		Kind:     SensorI2cExpanderDigital,
		Expander: ExpanderConfig{InvertLogic: true},
		MsgId:    MsgTransDriveSwitch,
	}
	im.RegisterSensors([]SensorDefinition{def})

	var value float32
	count := 0
	captureFloat(bus, MsgTransDriveSwitch, &value, &count)

	expander.pins[3] = false
	im.Update()
	bus.Process()
	assert.EqualValues(t, 1.0, value)
}

func TestExternalADCSensor(t *testing.T) {
	im, bus, _, _ := createInputs()
	adc := newMockADC()
	im.SetExternalADC(adc)

	def := SensorDefinition{
		Pin:  0,
		Kind: SensorI2cADC,
		ADC: ADCConfig{
			Channel:        2,
			ResolutionBits: 11,
			Vref:           6.144,
			Linear:         LinearConfig{MinVoltage: 0, MaxVoltage: 5.0, MinValue: 0, MaxValue: 100},
		},
		MsgId: MsgManifoldPressure,
	}
	im.RegisterSensors([]SensorDefinition{def})

	var value float32
	count := 0
	captureFloat(bus, MsgManifoldPressure, &value, &count)

	// half of the 5V input span
	scaleMax := 2047.0
	adc.channels[2] = uint16(2.5 / 6.144 * scaleMax)
	im.Update()
	bus.Process()
	assert.InDelta(t, 50.0, value, 0.5)
}

func TestRegisterBeyondCapacity(t *testing.T) {
	im, _, _, _ := createInputs()

	defs := make([]SensorDefinition, MaxSensors+4)
	for i := range defs {
		defs[i] = SensorDefinition{Pin: uint8(i), Kind: SensorDigitalPullup, MsgId: uint32(i + 1)}
	}
	assert.Equal(t, MaxSensors, im.RegisterSensors(defs))
	assert.Equal(t, MaxSensors, im.SensorCount())
}
