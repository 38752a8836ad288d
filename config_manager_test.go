package ecu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func createConfig(t *testing.T) (*ConfigManager, *StorageManager) {
	clock := &testClock{}
	bus := NewMessageBus(clock)
	bus.Init()
	sm := NewStorageManager(bus, clock, NewMemoryBackend(0))
	assert.NoError(t, sm.Init())
	return NewConfigManager(sm), sm
}

func TestInitializeWithEmptyStorageSavesDefaults(t *testing.T) {
	cm, sm := createConfig(t)

	assert.NoError(t, cm.Initialize())
	assert.True(t, cm.IsLoaded())
	assert.Equal(t, EcuTypeTransmission, cm.Config().EcuType)

	// defaults were persisted
	_, ok := sm.LoadFloat(configKeyEcuType, -1)
	assert.True(t, ok)
}

func TestInitializeLoadsStoredOverrides(t *testing.T) {
	cm, sm := createConfig(t)

	sm.SaveFloat(configKeyEcuType, float32(EcuTypeTransmission))
	sm.SaveFloat(configKeySerialNumber, 77.0)
	sm.SaveFloat(configKeyDebounceMs, 350.0)
	sm.SaveBytes(configKeyEcuName, []byte("Race Car TCU"))

	assert.NoError(t, cm.Initialize())
	assert.EqualValues(t, 77, cm.Config().SerialNumber)
	assert.EqualValues(t, 350, cm.Config().Transmission.PaddleDebounceMs)
	assert.Equal(t, "Race Car TCU", cm.Config().EcuName)
}

func TestValidationRejectsBadThresholds(t *testing.T) {
	cm, _ := createConfig(t)

	cm.Config().Transmission.ThrottleEngagePct = 80
	cm.Config().Transmission.ThrottleDisengagePct = 75
	assert.Error(t, cm.Validate())
}

func TestValidationRejectsBadI2cAddress(t *testing.T) {
	cm, _ := createConfig(t)
	cm.Config().I2c.Adc.Address = 0x90
	assert.Error(t, cm.Validate())
}

func TestValidationRejectsZeroDebounce(t *testing.T) {
	cm, _ := createConfig(t)
	cm.Config().Transmission.PaddleDebounceMs = 0
	assert.Error(t, cm.Validate())
}

func TestInitializeFailsOnInvalidStoredConfig(t *testing.T) {
	cm, sm := createConfig(t)

	// a stored debounce of zero must refuse init
	sm.SaveFloat(configKeyEcuType, float32(EcuTypeTransmission))
	sm.SaveFloat(configKeyDebounceMs, 0.0)

	assert.Error(t, cm.Initialize())
	assert.False(t, cm.IsLoaded())
}

func TestRuntimeUpdatePersists(t *testing.T) {
	cm, sm := createConfig(t)
	assert.NoError(t, cm.Initialize())

	assert.True(t, cm.UpdatePaddleDebounce(400))
	assert.EqualValues(t, 400, cm.Config().Transmission.PaddleDebounceMs)

	stored, ok := sm.LoadFloat(configKeyDebounceMs, 0)
	assert.True(t, ok)
	assert.EqualValues(t, 400, stored)

	assert.False(t, cm.UpdatePaddleDebounce(0))
	assert.False(t, cm.UpdatePaddleDebounce(5000))
}

func TestResetToDefaults(t *testing.T) {
	cm, _ := createConfig(t)
	assert.NoError(t, cm.Initialize())

	cm.UpdateSerialNumber(999)
	assert.True(t, cm.ResetToDefaults())
	assert.EqualValues(t, 1, cm.Config().SerialNumber)
}

func TestLoadFileOverlay(t *testing.T) {
	cm, _ := createConfig(t)

	path := filepath.Join(t.TempDir(), "ecu.ini")
	content := `[identity]
name = Dyno TCU
serial_number = 42

[transmission]
paddle_debounce_ms = 150
overheat_warn_c = 110

[canbus]
interface = can1
baudrate = 250000
enable_obdii = false

[serial]
port = /dev/ttyUSB1
device_id = 18

[logging]
level = debug
`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))
	assert.NoError(t, cm.LoadFile(path))

	assert.Equal(t, "Dyno TCU", cm.Config().EcuName)
	assert.EqualValues(t, 42, cm.Config().SerialNumber)
	assert.EqualValues(t, 150, cm.Config().Transmission.PaddleDebounceMs)
	assert.EqualValues(t, 110.0, cm.Config().Transmission.OverheatWarnC)
	assert.Equal(t, "can1", cm.Config().CanInterface)
	assert.EqualValues(t, 250000, cm.Config().ExternalCanbus.Baudrate)
	assert.False(t, cm.Config().ExternalCanbus.EnableObdii)
	assert.Equal(t, "/dev/ttyUSB1", cm.Config().SerialPortName)
	assert.EqualValues(t, 18, cm.Config().SerialDeviceId)
	assert.Equal(t, "debug", cm.Config().LogLevel)

	assert.NoError(t, cm.Validate())
}

func TestLoadFileMissing(t *testing.T) {
	cm, _ := createConfig(t)
	assert.Error(t, cm.LoadFile("/nonexistent/ecu.ini"))
}
