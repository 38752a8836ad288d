package ecu

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Declarative sensor and output tables, loaded from yaml by the firmware
// binary. Message IDs are referenced by name so tuning files stay readable.

type sensorTableEntry struct {
	Name     string `yaml:"name"`
	Pin      uint8  `yaml:"pin"`
	Kind     string `yaml:"kind"`
	Message  string `yaml:"message"`
	PeriodUs uint32 `yaml:"period_us"`
	Filter   uint8  `yaml:"filter"`

	// analog linear / i2c adc
	MinVoltage float32 `yaml:"min_voltage"`
	MaxVoltage float32 `yaml:"max_voltage"`
	MinValue   float32 `yaml:"min_value"`
	MaxValue   float32 `yaml:"max_value"`
	Channel    uint8   `yaml:"channel"`

	// digital
	Pullup bool `yaml:"pullup"`
	Invert bool `yaml:"invert"`

	// frequency
	Interrupts    bool    `yaml:"interrupts"`
	PulsesPerUnit float32 `yaml:"pulses_per_unit"`
	Scaling       float32 `yaml:"scaling"`
	TimeoutUs     uint32  `yaml:"timeout_us"`

	// thermistor reference points
	Temp1C     float32 `yaml:"temp1_c"`
	Res1       float32 `yaml:"res1_ohm"`
	Temp2C     float32 `yaml:"temp2_c"`
	Res2       float32 `yaml:"res2_ohm"`
	PullupOhms float32 `yaml:"pullup_ohm"`
}

type outputTableEntry struct {
	Name        string  `yaml:"name"`
	Pin         uint8   `yaml:"pin"`
	Kind        string  `yaml:"kind"`
	Message     string  `yaml:"message"`
	RateLimitMs uint32  `yaml:"rate_limit_ms"`
	FrequencyHz uint32  `yaml:"frequency_hz"`
	Resolution  uint8   `yaml:"resolution_bits"`
	MinDuty     float32 `yaml:"min_duty"`
	MaxDuty     float32 `yaml:"max_duty"`
	DefaultDuty float32 `yaml:"default_duty"`
	ActiveHigh  bool    `yaml:"active_high"`
	OpenDrain   bool    `yaml:"open_drain"`
	Default     bool    `yaml:"default_state"`
	MinMv       uint16  `yaml:"min_mv"`
	MaxMv       uint16  `yaml:"max_mv"`
	Bit         uint8   `yaml:"bit"`
}

type tableFile struct {
	Sensors []sensorTableEntry `yaml:"sensors"`
	Outputs []outputTableEntry `yaml:"outputs"`
}

// message names accepted in table files
var messageIdsByName = map[string]uint32{
	"engine_rpm":        MsgEngineRPM,
	"vehicle_speed":     MsgVehicleSpeed,
	"coolant_temp":      MsgCoolantTemp,
	"throttle_position": MsgThrottlePosition,
	"manifold_pressure": MsgManifoldPressure,
	"intake_air_temp":   MsgIntakeAirTemp,
	"engine_load":       MsgEngineLoad,
	"brake_pedal":       MsgBrakePedal,
	"vehicle_decel":     MsgVehicleDecel,
	"trans_fluid_temp":  MsgTransFluidTemp,
	"trans_sol_a":       MsgTransShiftSolA,
	"trans_sol_b":       MsgTransShiftSolB,
	"trans_lockup":      MsgTransLockupSol,
	"trans_pressure":    MsgTransPressureSol,
	"trans_overrun":     MsgTransOverrunSol,
}

// LoadSensorTables parses a yaml file into sensor and output definitions
func LoadSensorTables(path string) ([]SensorDefinition, []OutputDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var file tableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, nil, err
	}

	sensors := make([]SensorDefinition, 0, len(file.Sensors))
	for i := range file.Sensors {
		def, err := file.Sensors[i].toDefinition()
		if err != nil {
			return nil, nil, fmt.Errorf("sensor %v: %w", file.Sensors[i].Name, err)
		}
		sensors = append(sensors, def)
	}

	outputs := make([]OutputDefinition, 0, len(file.Outputs))
	for i := range file.Outputs {
		def, err := file.Outputs[i].toDefinition()
		if err != nil {
			return nil, nil, fmt.Errorf("output %v: %w", file.Outputs[i].Name, err)
		}
		outputs = append(outputs, def)
	}
	return sensors, outputs, nil
}

func resolveMessage(name string) (uint32, error) {
	id, ok := messageIdsByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown message %q", name)
	}
	return id, nil
}

func (e *sensorTableEntry) toDefinition() (SensorDefinition, error) {
	msgId, err := resolveMessage(e.Message)
	if err != nil {
		return SensorDefinition{}, err
	}
	def := SensorDefinition{
		Pin:              e.Pin,
		MsgId:            msgId,
		UpdateIntervalUs: e.PeriodUs,
		FilterStrength:   e.Filter,
		Name:             e.Name,
	}

	switch e.Kind {
	case "analog_linear":
		def.Kind = SensorAnalogLinear
		def.Linear = LinearConfig{
			MinVoltage: e.MinVoltage, MaxVoltage: e.MaxVoltage,
			MinValue: e.MinValue, MaxValue: e.MaxValue,
		}
	case "thermistor":
		def.Kind = SensorThermistor
		def.Thermistor = ThermistorConfig{
			Table: GenerateThermistorTable(e.Temp1C, e.Res1, e.Temp2C, e.Res2,
				e.PullupOhms, 3.3, -20.0, 150.0, 33),
		}
	case "digital":
		def.Kind = SensorDigitalPullup
		def.Digital = DigitalConfig{UsePullup: e.Pullup, InvertLogic: e.Invert}
	case "frequency":
		def.Kind = SensorFrequencyCounter
		def.Frequency = FrequencyConfig{
			UseInterrupts: e.Interrupts,
			PulsesPerUnit: e.PulsesPerUnit,
			ScalingFactor: e.Scaling,
			TimeoutUs:     e.TimeoutUs,
		}
	case "expander_digital":
		def.Kind = SensorI2cExpanderDigital
		def.Expander = ExpanderConfig{InvertLogic: e.Invert}
	case "i2c_adc":
		def.Kind = SensorI2cADC
		def.ADC = ADCConfig{
			Channel: e.Channel,
			Linear: LinearConfig{
				MinVoltage: e.MinVoltage, MaxVoltage: e.MaxVoltage,
				MinValue: e.MinValue, MaxValue: e.MaxValue,
			},
		}
	default:
		return SensorDefinition{}, fmt.Errorf("unknown sensor kind %q", e.Kind)
	}
	return def, nil
}

func (e *outputTableEntry) toDefinition() (OutputDefinition, error) {
	msgId, err := resolveMessage(e.Message)
	if err != nil {
		return OutputDefinition{}, err
	}
	def := OutputDefinition{
		Pin:         e.Pin,
		MsgId:       msgId,
		RateLimitMs: e.RateLimitMs,
		Name:        e.Name,
	}

	switch e.Kind {
	case "pwm":
		def.Kind = OutputPwm
		def.Pwm = PwmConfig{
			FrequencyHz:    e.FrequencyHz,
			ResolutionBits: e.Resolution,
			MinDuty:        e.MinDuty,
			MaxDuty:        e.MaxDuty,
			DefaultDuty:    e.DefaultDuty,
		}
	case "digital":
		def.Kind = OutputDigital
		def.Digital = DigitalOutConfig{
			ActiveHigh:   e.ActiveHigh,
			OpenDrain:    e.OpenDrain,
			DefaultState: e.Default,
		}
	case "analog":
		def.Kind = OutputAnalog
		def.Analog = AnalogOutConfig{MinMv: e.MinMv, MaxMv: e.MaxMv}
	case "spi":
		def.Kind = OutputSpi
		def.Spi = SpiOutConfig{Bit: e.Bit, DefaultState: e.Default}
	default:
		return OutputDefinition{}, fmt.Errorf("unknown output kind %q", e.Kind)
	}
	return def, nil
}
