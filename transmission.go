package ecu

import (
	log "github.com/sirupsen/logrus"
)

// Gear lever positions
type Gear uint8

const (
	GearUnknown Gear = iota
	GearPark
	GearReverse
	GearNeutral
	GearDrive
	GearSecond
	GearFirst
)

func GearToString(gear Gear) string {
	switch gear {
	case GearPark:
		return "PARK"
	case GearReverse:
		return "REVERSE"
	case GearNeutral:
		return "NEUTRAL"
	case GearDrive:
		return "DRIVE"
	case GearSecond:
		return "SECOND"
	case GearFirst:
		return "FIRST"
	}
	return "UNKNOWN"
}

type ShiftRequest uint8

const (
	ShiftNone ShiftRequest = iota
	ShiftUp
	ShiftDown
)

// Overrun clutch state. The solenoid has inverted polarity :
// solenoid ON = clutch disengaged.
type OverrunState uint8

const (
	OverrunEngaged OverrunState = iota
	OverrunDisengaged
)

// Transmission tuning, persisted through the storage manager
type TransmissionConfig struct {
	PaddleDebounceMs      uint32
	OverheatWarnC         float32 // shift requests denied above this
	OverheatLimitC        float32 // hard limit, forces safe state
	ThrottleDisengagePct  float32
	ThrottleEngagePct     float32
	MinEngageSpeed        float32
	BrakingSpeedThreshold float32
	DecelThreshold        float32
}

// DefaultTransmissionConfig matches the race-car overrun strategy defaults
func DefaultTransmissionConfig() TransmissionConfig {
	return TransmissionConfig{
		PaddleDebounceMs:      200,
		OverheatWarnC:         120.0,
		OverheatLimitC:        135.0,
		ThrottleDisengagePct:  75.0,
		ThrottleEngagePct:     15.0,
		MinEngageSpeed:        15.0,
		BrakingSpeedThreshold: 30.0,
		DecelThreshold:        0.5,
	}
}

// Pin assignments for the transmission sensors
type TransmissionPins struct {
	FluidTemp      uint8
	Park           uint8
	Reverse        uint8
	Neutral        uint8
	Drive          uint8
	Second         uint8
	First          uint8
	PaddleUpshift  uint8
	PaddleDownshift uint8
}

func DefaultTransmissionPins() TransmissionPins {
	return TransmissionPins{
		FluidTemp:       41,
		Park:            28,
		Reverse:         29,
		Neutral:         30,
		Drive:           31,
		Second:          32,
		First:           33,
		PaddleUpshift:   34,
		PaddleDownshift: 35,
	}
}

// Mutable transmission state
type TransmissionState struct {
	CurrentGear       Gear
	ShiftRequest      ShiftRequest
	ValidGearPosition bool
	OverrunState      OverrunState
	FluidTemperature  float32
	AutoGear          uint8 // 1..4 while in Drive

	ShiftCount         uint32
	InvalidGearCount   uint32
	OverrunChangeCount uint32
	DeniedShiftCount   uint32
}

// Solenoid pattern, duty fractions published to the output manager
type solenoidPattern struct {
	a        float32
	b        float32
	lockup   float32
	pressure float32
	overrun  float32
}

// TransmissionControl interprets gear lever switches, paddles, fluid
// temperature and driving context into the five solenoid outputs.
type TransmissionControl struct {
	bus    *MessageBus
	clock  Clock
	config TransmissionConfig
	pins   TransmissionPins

	state TransmissionState

	// P R N D 2 1, true = switch closed (active)
	switchActive [6]bool

	throttlePct  float32
	vehicleSpeed float32
	brakeActive  bool
	decel        float32

	paddleUpLast    bool
	paddleDownLast  bool
	lastUpEdgeMs    uint32
	upEdgeSeen      bool
	lastDownEdgeMs  uint32
	downEdgeSeen    bool

	overrunOverride      bool
	overrunOverrideState OverrunState

	safeStateActive bool
	patternValid    bool
	lastPattern     solenoidPattern
	lastGearSent    Gear
	gearSent        bool
}

func NewTransmissionControl(bus *MessageBus, clock Clock, config TransmissionConfig, pins TransmissionPins) *TransmissionControl {
	return &TransmissionControl{
		bus:    bus,
		clock:  clock,
		config: config,
		pins:   pins,
		state: TransmissionState{
			CurrentGear:  GearUnknown,
			ShiftRequest: ShiftNone,
			OverrunState: OverrunDisengaged,
			AutoGear:     1,
		},
	}
}

// Init subscribes every input the module consumes. Sensor registration with
// the input manager happens separately through SensorDefinitions.
func (tc *TransmissionControl) Init() {
	gearSwitches := []struct {
		msgId uint32
		index int
	}{
		{MsgTransParkSwitch, 0},
		{MsgTransReverseSwitch, 1},
		{MsgTransNeutralSwitch, 2},
		{MsgTransDriveSwitch, 3},
		{MsgTransSecondSwitch, 4},
		{MsgTransFirstSwitch, 5},
	}
	for _, sw := range gearSwitches {
		index := sw.index
		tc.bus.Subscribe(sw.msgId, func(msg *CANMessage) {
			v, ok := UnpackFloat(msg)
			if ok {
				tc.switchActive[index] = v >= 0.5
			}
		})
	}

	tc.bus.Subscribe(MsgPaddleUpshift, func(msg *CANMessage) {
		v, ok := UnpackFloat(msg)
		if ok {
			tc.handlePaddle(v >= 0.5, true)
		}
	})
	tc.bus.Subscribe(MsgPaddleDownshift, func(msg *CANMessage) {
		v, ok := UnpackFloat(msg)
		if ok {
			tc.handlePaddle(v >= 0.5, false)
		}
	})

	tc.bus.Subscribe(MsgTransFluidTemp, func(msg *CANMessage) {
		v, ok := UnpackFloat(msg)
		if ok {
			tc.state.FluidTemperature = v
		}
	})
	tc.bus.Subscribe(MsgThrottlePosition, func(msg *CANMessage) {
		v, ok := UnpackFloat(msg)
		if ok {
			tc.throttlePct = v
		}
	})
	tc.bus.Subscribe(MsgVehicleSpeed, func(msg *CANMessage) {
		v, ok := UnpackFloat(msg)
		if ok {
			tc.vehicleSpeed = v
		}
	})
	tc.bus.Subscribe(MsgBrakePedal, func(msg *CANMessage) {
		v, ok := UnpackFloat(msg)
		if ok {
			tc.brakeActive = v >= 0.5
		}
	})
	tc.bus.Subscribe(MsgVehicleDecel, func(msg *CANMessage) {
		v, ok := UnpackFloat(msg)
		if ok {
			tc.decel = v
		}
	})

	log.Debug("[TRANS] initialized")
}

// SensorDefinitions returns the nine sensors the module owns : the fluid
// temperature thermistor, both paddles and the six gear lever switches.
func (tc *TransmissionControl) SensorDefinitions() []SensorDefinition {
	table := GenerateThermistorTable(
		25.0, 10000.0,
		100.0, 680.0,
		2200.0, 3.3,
		-20.0, 150.0, 33)

	activeLowSwitch := func(pin uint8, msgId uint32, name string) SensorDefinition {
		return SensorDefinition{
			Pin:     pin,
			Kind:    SensorDigitalPullup,
			Digital: DigitalConfig{UsePullup: true, InvertLogic: true},
			MsgId:   msgId,
			Name:    name,
		}
	}

	return []SensorDefinition{
		{
			Pin:              tc.pins.FluidTemp,
			Kind:             SensorThermistor,
			Thermistor:       ThermistorConfig{Table: table},
			MsgId:            MsgTransFluidTemp,
			UpdateIntervalUs: 100000,
			FilterStrength:   128,
			Name:             "Trans Fluid Temp",
		},
		activeLowSwitch(tc.pins.PaddleUpshift, MsgPaddleUpshift, "Paddle Upshift"),
		activeLowSwitch(tc.pins.PaddleDownshift, MsgPaddleDownshift, "Paddle Downshift"),
		activeLowSwitch(tc.pins.Park, MsgTransParkSwitch, "Gear Park"),
		activeLowSwitch(tc.pins.Reverse, MsgTransReverseSwitch, "Gear Reverse"),
		activeLowSwitch(tc.pins.Neutral, MsgTransNeutralSwitch, "Gear Neutral"),
		activeLowSwitch(tc.pins.Drive, MsgTransDriveSwitch, "Gear Drive"),
		activeLowSwitch(tc.pins.Second, MsgTransSecondSwitch, "Gear Second"),
		activeLowSwitch(tc.pins.First, MsgTransFirstSwitch, "Gear First"),
	}
}

// OutputDefinitions returns the five solenoid outputs
func (tc *TransmissionControl) OutputDefinitions() []OutputDefinition {
	solenoid := func(pin uint8, msgId uint32, name string) OutputDefinition {
		return OutputDefinition{
			Pin:  pin,
			Kind: OutputPwm,
			Pwm: PwmConfig{
				FrequencyHz:    300,
				ResolutionBits: 10,
				MinDuty:        0.0,
				MaxDuty:        1.0,
				DefaultDuty:    0.0,
			},
			MsgId: msgId,
			Name:  name,
		}
	}
	overrun := solenoid(5, MsgTransOverrunSol, "Overrun Solenoid")
	// solenoid ON = clutch disengaged, safe default is disengaged
	overrun.Pwm.DefaultDuty = 1.0
	return []OutputDefinition{
		solenoid(1, MsgTransShiftSolA, "Shift Solenoid A"),
		solenoid(2, MsgTransShiftSolB, "Shift Solenoid B"),
		solenoid(3, MsgTransLockupSol, "Lockup Solenoid"),
		solenoid(4, MsgTransPressureSol, "Line Pressure Solenoid"),
		overrun,
	}
}

func (tc *TransmissionControl) handlePaddle(active bool, upshift bool) {
	nowMs := tc.clock.Millis()
	if upshift {
		edge := active && !tc.paddleUpLast
		tc.paddleUpLast = active
		if !edge {
			return
		}
		if tc.upEdgeSeen && nowMs-tc.lastUpEdgeMs < tc.config.PaddleDebounceMs {
			return
		}
		tc.lastUpEdgeMs = nowMs
		tc.upEdgeSeen = true
		tc.state.ShiftRequest = ShiftUp
		return
	}

	edge := active && !tc.paddleDownLast
	tc.paddleDownLast = active
	if !edge {
		return
	}
	if tc.downEdgeSeen && nowMs-tc.lastDownEdgeMs < tc.config.PaddleDebounceMs {
		return
	}
	tc.lastDownEdgeMs = nowMs
	tc.downEdgeSeen = true
	tc.state.ShiftRequest = ShiftDown
}

// Update runs gear detection, shift arbitration, solenoid patterning and
// the overrun policy, once per loop
func (tc *TransmissionControl) Update() {
	tc.detectGear()

	// the overrun policy sees the request before arbitration consumes it,
	// a pending shift always disengages the clutch for that loop
	tc.updateOverrun()
	tc.arbitrateShift()

	if !tc.state.ValidGearPosition || tc.IsOverheating(tc.config.OverheatLimitC) {
		tc.enterSafeState()
		return
	}
	tc.safeStateActive = false

	tc.applySolenoidPattern()
	tc.publishState()
}

// detectGear decodes the six mutually exclusive active-low switches.
// Anything but exactly one active switch is treated as Neutral and invalid.
func (tc *TransmissionControl) detectGear() {
	active := 0
	gear := GearNeutral
	gears := [6]Gear{GearPark, GearReverse, GearNeutral, GearDrive, GearSecond, GearFirst}
	for i, on := range tc.switchActive {
		if on {
			active++
			gear = gears[i]
		}
	}

	if active == 1 {
		if gear != tc.state.CurrentGear {
			log.Infof("[TRANS] gear %v -> %v", GearToString(tc.state.CurrentGear), GearToString(gear))
		}
		tc.state.CurrentGear = gear
		tc.state.ValidGearPosition = true
		return
	}

	tc.state.CurrentGear = GearNeutral
	tc.state.ValidGearPosition = false
	tc.state.InvalidGearCount++
}

// arbitrateShift services a pending paddle request. Requests are honored
// only in Drive with a valid lever position and a healthy fluid temperature.
func (tc *TransmissionControl) arbitrateShift() {
	request := tc.state.ShiftRequest
	if request == ShiftNone {
		return
	}
	tc.state.ShiftRequest = ShiftNone

	if tc.state.CurrentGear != GearDrive ||
		!tc.state.ValidGearPosition ||
		tc.IsOverheating(tc.config.OverheatWarnC) {
		tc.state.DeniedShiftCount++
		return
	}

	before := tc.state.AutoGear
	if request == ShiftUp && tc.state.AutoGear < 4 {
		tc.state.AutoGear++
	} else if request == ShiftDown && tc.state.AutoGear > 1 {
		tc.state.AutoGear--
	}
	if tc.state.AutoGear != before {
		tc.state.ShiftCount++
		log.Infof("[TRANS] shift %v -> %v", before, tc.state.AutoGear)
	}
}

// Solenoid pattern table for the 4-speed automatic
func (tc *TransmissionControl) currentPattern() solenoidPattern {
	switch tc.state.CurrentGear {
	case GearPark, GearNeutral:
		return solenoidPattern{a: 0, b: 0, lockup: 0, pressure: 0}
	case GearReverse:
		return solenoidPattern{a: 0, b: 0, lockup: 0, pressure: 1}
	case GearSecond:
		return solenoidPattern{a: 0, b: 1, lockup: 0, pressure: 1}
	case GearFirst:
		return solenoidPattern{a: 0, b: 0, lockup: 0, pressure: 1}
	case GearDrive:
		switch tc.state.AutoGear {
		case 1:
			return solenoidPattern{a: 1, b: 1, lockup: 0, pressure: 1}
		case 2:
			return solenoidPattern{a: 0, b: 1, lockup: 0, pressure: 1}
		case 3:
			return solenoidPattern{a: 0, b: 0, lockup: 0, pressure: 1}
		case 4:
			return solenoidPattern{a: 1, b: 0, lockup: 1, pressure: 1}
		}
	}
	return solenoidPattern{}
}

// updateOverrun evaluates the race-car overrun clutch policy
func (tc *TransmissionControl) updateOverrun() {
	var next OverrunState

	switch {
	case tc.overrunOverride:
		next = tc.overrunOverrideState

	// smooth pending shifts
	case tc.state.ShiftRequest != ShiftNone:
		next = OverrunDisengaged

	// top gear runs disengaged
	case tc.state.CurrentGear == GearDrive && tc.state.AutoGear == 4:
		next = OverrunDisengaged

	case tc.state.CurrentGear != GearDrive:
		next = OverrunDisengaged

	case tc.brakeActive && tc.vehicleSpeed > tc.config.BrakingSpeedThreshold:
		next = OverrunEngaged

	case tc.throttlePct >= tc.config.ThrottleDisengagePct:
		next = OverrunDisengaged

	case tc.throttlePct <= tc.config.ThrottleEngagePct && tc.vehicleSpeed >= tc.config.MinEngageSpeed:
		next = OverrunEngaged

	case tc.decel > tc.config.DecelThreshold:
		next = OverrunEngaged

	default:
		// hysteresis band, hold the previous state
		next = tc.state.OverrunState
	}

	tc.setOverrunState(next)
}

func (tc *TransmissionControl) setOverrunState(next OverrunState) {
	if next == tc.state.OverrunState {
		return
	}
	tc.state.OverrunState = next
	tc.state.OverrunChangeCount++
	log.Debugf("[TRANS] overrun clutch %v", next == OverrunEngaged)
}

// SetOverrunOverride short-circuits the automatic policy
func (tc *TransmissionControl) SetOverrunOverride(state OverrunState) {
	tc.overrunOverride = true
	tc.overrunOverrideState = state
	tc.setOverrunState(state)
}

func (tc *TransmissionControl) ClearOverrunOverride() {
	tc.overrunOverride = false
}

func (tc *TransmissionControl) applySolenoidPattern() {
	pattern := tc.currentPattern()
	pattern.overrun = tc.overrunSolenoid()
	tc.publishPattern(pattern)
}

// overrunSolenoid maps clutch state to drive level, the solenoid polarity
// is inverted
func (tc *TransmissionControl) overrunSolenoid() float32 {
	if tc.state.OverrunState == OverrunDisengaged {
		return 1.0
	}
	return 0.0
}

func (tc *TransmissionControl) publishPattern(pattern solenoidPattern) {
	if tc.patternValid && pattern == tc.lastPattern {
		return
	}
	tc.bus.PublishFloat(MsgTransShiftSolA, pattern.a)
	tc.bus.PublishFloat(MsgTransShiftSolB, pattern.b)
	tc.bus.PublishFloat(MsgTransLockupSol, pattern.lockup)
	tc.bus.PublishFloat(MsgTransPressureSol, pattern.pressure)
	tc.bus.PublishFloat(MsgTransOverrunSol, pattern.overrun)
	tc.lastPattern = pattern
	tc.patternValid = true
}

// enterSafeState drops every solenoid and disengages the overrun clutch
func (tc *TransmissionControl) enterSafeState() {
	tc.setOverrunState(OverrunDisengaged)
	tc.publishPattern(solenoidPattern{a: 0, b: 0, lockup: 0, pressure: 0, overrun: 1})
	if !tc.safeStateActive {
		tc.safeStateActive = true
		tc.bus.PublishUint8(MsgSystemSafeState, 1)
		log.Warn("[TRANS] safe state entered")
	}
	tc.publishState()
}

func (tc *TransmissionControl) publishState() {
	if !tc.gearSent || tc.state.CurrentGear != tc.lastGearSent {
		tc.bus.PublishUint8(MsgTransCurrentGear, uint8(tc.state.CurrentGear))
		tc.bus.PublishUint8(MsgTransDriveGear, tc.state.AutoGear)
		tc.lastGearSent = tc.state.CurrentGear
		tc.gearSent = true
	}
}

// IsOverheating reports whether the last fluid temperature exceeds the
// given threshold
func (tc *TransmissionControl) IsOverheating(thresholdC float32) bool {
	return tc.state.FluidTemperature > thresholdC
}

func (tc *TransmissionControl) State() *TransmissionState {
	return &tc.state
}

func (tc *TransmissionControl) ShiftCount() uint32 {
	return tc.state.ShiftCount
}

func (tc *TransmissionControl) Config() *TransmissionConfig {
	return &tc.config
}
