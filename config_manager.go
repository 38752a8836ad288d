package ecu

import (
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

type ECUType uint8

const (
	EcuTypeTransmission ECUType = iota
	EcuTypeEngine
	EcuTypeFuel
)

type PinConfiguration struct {
	I2cSda      uint8
	I2cScl      uint8
	CanTx       uint8
	CanRx       uint8
	SerialTx    uint8
	SerialRx    uint8
	StatusLed   uint8
	ErrorLed    uint8
	ActivityLed uint8
	SpiFlashCS  uint8
}

type I2CDeviceConfig struct {
	Enabled     bool
	BusNumber   uint8
	Address     uint8
	FrequencyHz uint32
}

type I2CConfiguration struct {
	NumberOfInterfaces uint8
	BusFrequencyHz     uint32
	GpioExpander       I2CDeviceConfig
	Adc                I2CDeviceConfig
}

type SPIConfiguration struct {
	FlashEnabled     bool
	FlashFrequencyHz uint32
}

// The full ECU configuration. Defaults are compiled in, storage holds the
// persisted overrides and an optional ini file overlays deployment values.
type ECUConfiguration struct {
	EcuType         ECUType
	EcuName         string
	SerialNumber    uint32
	FirmwareVersion string

	BootTimeoutMs          uint32
	EnableWatchdog         bool
	EnableDebugOutput      bool
	StatusReportIntervalMs uint32

	Pins PinConfiguration
	I2c  I2CConfiguration
	Spi  SPIConfiguration

	Transmission   TransmissionConfig
	ExternalCanbus ExternalCanBusConfig

	SerialDeviceId uint8
	CanInterface   string
	SerialPortName string
	SerialBaudrate uint32
	LogLevel       string
}

// DefaultTransmissionEcuConfig is the compiled-in configuration for the
// transmission controller build
func DefaultTransmissionEcuConfig() ECUConfiguration {
	return ECUConfiguration{
		EcuType:         EcuTypeTransmission,
		EcuName:         "Backslider Transmission ECU",
		SerialNumber:    1,
		FirmwareVersion: "2.0.0",

		BootTimeoutMs:          5000,
		EnableWatchdog:         false,
		EnableDebugOutput:      false,
		StatusReportIntervalMs: 5000,

		Pins: PinConfiguration{
			I2cSda:      18,
			I2cScl:      19,
			CanTx:       22,
			CanRx:       23,
			SerialTx:    7,
			SerialRx:    8,
			StatusLed:   13,
			ErrorLed:    14,
			ActivityLed: 15,
			SpiFlashCS:  10,
		},
		I2c: I2CConfiguration{
			NumberOfInterfaces: 1,
			BusFrequencyHz:     400000,
			GpioExpander:       I2CDeviceConfig{Enabled: true, Address: 0x20, FrequencyHz: 400000},
			Adc:                I2CDeviceConfig{Enabled: true, Address: 0x48, FrequencyHz: 400000},
		},
		Spi: SPIConfiguration{FlashEnabled: true, FlashFrequencyHz: 8000000},

		Transmission:   DefaultTransmissionConfig(),
		ExternalCanbus: DefaultExternalCanBusConfig(),

		SerialDeviceId: 0x10,
		CanInterface:   "can0",
		SerialPortName: "/dev/ttyACM0",
		SerialBaudrate: 115200,
		LogLevel:       "info",
	}
}

// Persisted configuration keys
const (
	configKeyEcuType      = "cfg.ecu_type"
	configKeySerialNumber = "cfg.serial_num"
	configKeyBootTimeout  = "cfg.boot_timeout"
	configKeyDebounceMs   = "cfg.trans.debounce_ms"
	configKeyOverrunOff   = "cfg.trans.overrun_throttle_off"
	configKeyOverrunOn    = "cfg.trans.overrun_throttle_on"
)

var configKeyEcuName = MakeMsgId(EcuBasePrimary, SubsystemConfig, 0x0001)
var configKeyFirmware = MakeMsgId(EcuBasePrimary, SubsystemConfig, 0x0002)

// ConfigManager owns the active configuration. It must initialize right
// after the storage manager and before everything that reads pins or
// tuning values.
type ConfigManager struct {
	storage *StorageManager
	config  ECUConfiguration
	loaded  bool
}

// NewConfigManager borrows the storage manager, nil keeps defaults-only
// mode for bench setups
func NewConfigManager(storage *StorageManager) *ConfigManager {
	return &ConfigManager{storage: storage, config: DefaultTransmissionEcuConfig()}
}

// Initialize loads persisted overrides on top of the defaults and
// validates the result. A validation failure refuses to complete init.
func (cm *ConfigManager) Initialize() error {
	cm.config = DefaultTransmissionEcuConfig()

	if cm.storage != nil {
		if cm.loadFromStorage() {
			log.Info("[CONFIG] configuration loaded from storage")
		} else {
			log.Info("[CONFIG] no stored configuration, saving defaults")
			cm.saveToStorage()
		}
	}

	if err := cm.Validate(); err != nil {
		log.Errorf("[CONFIG] validation failed: %v", err)
		return err
	}
	cm.loaded = true
	log.Infof("[CONFIG] %v, serial %v, firmware %v",
		cm.config.EcuName, cm.config.SerialNumber, cm.config.FirmwareVersion)
	return nil
}

func (cm *ConfigManager) loadFromStorage() bool {
	ecuType, ok := cm.storage.LoadFloat(configKeyEcuType, float32(cm.config.EcuType))
	if !ok {
		return false
	}
	cm.config.EcuType = ECUType(ecuType)

	if serial, ok := cm.storage.LoadFloat(configKeySerialNumber, 0); ok {
		cm.config.SerialNumber = uint32(serial)
	}
	if timeout, ok := cm.storage.LoadFloat(configKeyBootTimeout, 0); ok {
		cm.config.BootTimeoutMs = uint32(timeout)
	}
	if debounce, ok := cm.storage.LoadFloat(configKeyDebounceMs, 0); ok {
		cm.config.Transmission.PaddleDebounceMs = uint32(debounce)
	}
	if off, ok := cm.storage.LoadFloat(configKeyOverrunOff, 0); ok {
		cm.config.Transmission.ThrottleDisengagePct = off
	}
	if on, ok := cm.storage.LoadFloat(configKeyOverrunOn, 0); ok {
		cm.config.Transmission.ThrottleEngagePct = on
	}
	if name, ok := cm.storage.LoadBytes(configKeyEcuName); ok {
		cm.config.EcuName = string(name)
	}
	if fw, ok := cm.storage.LoadBytes(configKeyFirmware); ok {
		cm.config.FirmwareVersion = string(fw)
	}
	return true
}

func (cm *ConfigManager) saveToStorage() bool {
	if cm.storage == nil {
		return false
	}
	ok := cm.storage.SaveFloat(configKeyEcuType, float32(cm.config.EcuType))
	ok = cm.storage.SaveFloat(configKeySerialNumber, float32(cm.config.SerialNumber)) && ok
	ok = cm.storage.SaveFloat(configKeyBootTimeout, float32(cm.config.BootTimeoutMs)) && ok
	ok = cm.storage.SaveFloat(configKeyDebounceMs, float32(cm.config.Transmission.PaddleDebounceMs)) && ok
	ok = cm.storage.SaveFloat(configKeyOverrunOff, cm.config.Transmission.ThrottleDisengagePct) && ok
	ok = cm.storage.SaveFloat(configKeyOverrunOn, cm.config.Transmission.ThrottleEngagePct) && ok
	ok = cm.storage.SaveBytes(configKeyEcuName, []byte(cm.config.EcuName)) && ok
	ok = cm.storage.SaveBytes(configKeyFirmware, []byte(cm.config.FirmwareVersion)) && ok
	cm.storage.CommitCache()
	return ok
}

// LoadFile overlays deployment values from an ini file on top of the
// current configuration
func (cm *ConfigManager) LoadFile(path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return err
	}

	identity := file.Section("identity")
	if identity.HasKey("name") {
		cm.config.EcuName = identity.Key("name").String()
	}
	if identity.HasKey("serial_number") {
		cm.config.SerialNumber = uint32(identity.Key("serial_number").MustUint(uint(cm.config.SerialNumber)))
	}

	trans := file.Section("transmission")
	if trans.HasKey("paddle_debounce_ms") {
		cm.config.Transmission.PaddleDebounceMs = uint32(trans.Key("paddle_debounce_ms").MustUint(200))
	}
	if trans.HasKey("overheat_warn_c") {
		cm.config.Transmission.OverheatWarnC = float32(trans.Key("overheat_warn_c").MustFloat64(120))
	}
	if trans.HasKey("overheat_limit_c") {
		cm.config.Transmission.OverheatLimitC = float32(trans.Key("overheat_limit_c").MustFloat64(135))
	}
	if trans.HasKey("throttle_disengage_pct") {
		cm.config.Transmission.ThrottleDisengagePct = float32(trans.Key("throttle_disengage_pct").MustFloat64(75))
	}
	if trans.HasKey("throttle_engage_pct") {
		cm.config.Transmission.ThrottleEngagePct = float32(trans.Key("throttle_engage_pct").MustFloat64(15))
	}

	canbus := file.Section("canbus")
	if canbus.HasKey("interface") {
		cm.config.CanInterface = canbus.Key("interface").String()
	}
	if canbus.HasKey("baudrate") {
		cm.config.ExternalCanbus.Baudrate = uint32(canbus.Key("baudrate").MustUint(500000))
	}
	if canbus.HasKey("enable_obdii") {
		cm.config.ExternalCanbus.EnableObdii = canbus.Key("enable_obdii").MustBool(true)
	}

	serial := file.Section("serial")
	if serial.HasKey("port") {
		cm.config.SerialPortName = serial.Key("port").String()
	}
	if serial.HasKey("baudrate") {
		cm.config.SerialBaudrate = uint32(serial.Key("baudrate").MustUint(115200))
	}
	if serial.HasKey("device_id") {
		cm.config.SerialDeviceId = uint8(serial.Key("device_id").MustUint(0x10))
	}

	logging := file.Section("logging")
	if logging.HasKey("level") {
		cm.config.LogLevel = logging.Key("level").String()
	}

	log.Infof("[CONFIG] overlay loaded from %v", path)
	return nil
}

// Validate rejects configurations the hardware cannot run
func (cm *ConfigManager) Validate() error {
	c := &cm.config
	if c.EcuType > EcuTypeFuel {
		return ErrInvalidConfig
	}
	pins := []uint8{c.Pins.I2cSda, c.Pins.I2cScl, c.Pins.SpiFlashCS,
		c.Pins.StatusLed, c.Pins.ErrorLed, c.Pins.ActivityLed}
	for _, pin := range pins {
		if pin > 55 {
			return ErrInvalidConfig
		}
	}
	if c.I2c.GpioExpander.Address > 0x7F || c.I2c.Adc.Address > 0x7F {
		return ErrInvalidConfig
	}
	if c.I2c.BusFrequencyHz > 1000000 {
		return ErrInvalidConfig
	}
	if c.Transmission.PaddleDebounceMs == 0 || c.Transmission.PaddleDebounceMs > 2000 {
		return ErrInvalidConfig
	}
	if c.Transmission.ThrottleEngagePct >= c.Transmission.ThrottleDisengagePct {
		return ErrInvalidConfig
	}
	if c.Transmission.OverheatWarnC >= c.Transmission.OverheatLimitC {
		return ErrInvalidConfig
	}
	return nil
}

// Runtime updates persist through storage

func (cm *ConfigManager) UpdateEcuName(name string) bool {
	cm.config.EcuName = name
	if cm.storage == nil {
		return true
	}
	ok := cm.storage.SaveBytes(configKeyEcuName, []byte(name))
	cm.storage.CommitCache()
	return ok
}

func (cm *ConfigManager) UpdateSerialNumber(serial uint32) bool {
	cm.config.SerialNumber = serial
	if cm.storage == nil {
		return true
	}
	return cm.storage.SaveFloat(configKeySerialNumber, float32(serial))
}

func (cm *ConfigManager) UpdateBootTimeout(timeoutMs uint32) bool {
	cm.config.BootTimeoutMs = timeoutMs
	if cm.storage == nil {
		return true
	}
	return cm.storage.SaveFloat(configKeyBootTimeout, float32(timeoutMs))
}

func (cm *ConfigManager) UpdatePaddleDebounce(debounceMs uint32) bool {
	if debounceMs == 0 || debounceMs > 2000 {
		return false
	}
	cm.config.Transmission.PaddleDebounceMs = debounceMs
	if cm.storage == nil {
		return true
	}
	return cm.storage.SaveFloat(configKeyDebounceMs, float32(debounceMs))
}

// ResetToDefaults restores the compiled-in configuration and persists it
func (cm *ConfigManager) ResetToDefaults() bool {
	cm.config = DefaultTransmissionEcuConfig()
	return cm.saveToStorage()
}

func (cm *ConfigManager) Config() *ECUConfiguration { return &cm.config }
func (cm *ConfigManager) IsLoaded() bool            { return cm.loaded }
