package ecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func createObdii() (*ObdiiHandler, *ExternalCache, *MessageBus) {
	clock := &testClock{}
	bus := NewMessageBus(clock)
	bus.Init()
	cache := NewExternalCache(bus, clock, 1000)
	cache.Init()
	return NewObdiiHandler(cache), cache, bus
}

func obdiiRequest(mode, pid uint8) CANFrame {
	frame := CANFrame{ID: ObdiiRequestId, Len: 8}
	frame.Data[0] = 0x02
	frame.Data[1] = mode
	frame.Data[2] = pid
	return frame
}

// primePid pushes a value through the internal bus into the cache entry
func primePid(h *ObdiiHandler, bus *MessageBus, pid uint8, msgId uint32, value float32) {
	// first request creates the lazy subscription
	h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, pid))
	bus.PublishFloat(msgId, value)
	bus.Process()
}

func TestIsObdiiRequest(t *testing.T) {
	assert.True(t, IsObdiiRequest(CANFrame{ID: 0x7DF}))
	assert.True(t, IsObdiiRequest(CANFrame{ID: 0x7E0}))
	assert.True(t, IsObdiiRequest(CANFrame{ID: 0x7E7}))
	assert.False(t, IsObdiiRequest(CANFrame{ID: 0x7E8}))
	assert.False(t, IsObdiiRequest(CANFrame{ID: 0x600}))
}

func TestRpmQuery(t *testing.T) {
	h, _, bus := createObdii()

	primePid(h, bus, PidEngineRPM, MsgEngineRPM, 3200.0)
	response, ok := h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, PidEngineRPM))
	assert.True(t, ok)

	assert.Equal(t, ObdiiResponseId, response.ID)
	assert.EqualValues(t, 0x04, response.Data[0]) // 2 data bytes + mode + pid
	assert.EqualValues(t, 0x41, response.Data[1])
	assert.EqualValues(t, PidEngineRPM, response.Data[2])
	raw := uint16(response.Data[3])<<8 | uint16(response.Data[4])
	assert.EqualValues(t, 3200*4, raw)
}

func TestCoolantTempEncoding(t *testing.T) {
	h, _, bus := createObdii()

	primePid(h, bus, PidCoolantTemp, MsgCoolantTemp, 92.0)
	response, _ := h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, PidCoolantTemp))
	assert.EqualValues(t, 92+40, response.Data[3])
}

func TestThrottlePercentEncoding(t *testing.T) {
	h, _, bus := createObdii()

	primePid(h, bus, PidThrottlePosition, MsgThrottlePosition, 50.0)
	response, _ := h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, PidThrottlePosition))
	assert.EqualValues(t, uint8(50*255/100), response.Data[3])
}

func TestVehicleSpeedEncoding(t *testing.T) {
	h, _, bus := createObdii()

	primePid(h, bus, PidVehicleSpeed, MsgVehicleSpeed, 88.0)
	response, _ := h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, PidVehicleSpeed))
	assert.EqualValues(t, 88, response.Data[3])
}

func TestNoDataAnswersConditionsNotCorrect(t *testing.T) {
	h, _, _ := createObdii()

	response, ok := h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, PidEngineRPM))
	assert.True(t, ok)
	assert.EqualValues(t, ObdiiNegativeId, response.Data[1])
	assert.EqualValues(t, ObdiiModeCurrentData, response.Data[2])
	assert.EqualValues(t, NrcConditionsNotCorrect, response.Data[3])
}

func TestUnknownPidAnswersOutOfRange(t *testing.T) {
	h, _, _ := createObdii()

	response, ok := h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, 0x42))
	assert.True(t, ok)
	assert.EqualValues(t, ObdiiNegativeId, response.Data[1])
	assert.EqualValues(t, NrcRequestOutOfRange, response.Data[3])
}

func TestUnsupportedModeAnswersServiceNotSupported(t *testing.T) {
	h, _, _ := createObdii()

	response, ok := h.ProcessRequest(obdiiRequest(ObdiiModeDiagCodes, 0x00))
	assert.True(t, ok)
	assert.EqualValues(t, ObdiiNegativeId, response.Data[1])
	assert.EqualValues(t, NrcServiceNotSupported, response.Data[3])
}

func TestMalformedRequestIsDropped(t *testing.T) {
	h, _, _ := createObdii()

	frame := CANFrame{ID: ObdiiRequestId, Len: 1}
	frame.Data[0] = 0x02
	_, ok := h.ProcessRequest(frame)
	assert.False(t, ok)
	assert.EqualValues(t, 1, h.Stats().MalformedRequests)
}

func TestSupportedPidsBitmap(t *testing.T) {
	h, _, _ := createObdii()

	response, ok := h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, PidSupported0120))
	assert.True(t, ok)
	assert.EqualValues(t, 0x41, response.Data[1])

	bitmap := uint32(response.Data[3])<<24 | uint32(response.Data[4])<<16 |
		uint32(response.Data[5])<<8 | uint32(response.Data[6])
	for _, pid := range []uint8{0x04, 0x05, 0x0B, 0x0C, 0x0D, 0x0F, 0x11} {
		assert.NotZero(t, bitmap&(1<<(32-uint32(pid))), "pid x%X missing", pid)
	}
	// PID 0x01 is not advertised
	assert.Zero(t, bitmap&(1<<31))
}

func TestCustomPidHandler(t *testing.T) {
	h, _, _ := createObdii()

	h.RegisterCustomPid(0x42, func(pid uint8) ([]byte, bool) {
		return []byte{0xAB, 0xCD}, true
	})

	response, ok := h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, 0x42))
	assert.True(t, ok)
	assert.EqualValues(t, 0x41, response.Data[1])
	assert.EqualValues(t, 0xAB, response.Data[3])
	assert.EqualValues(t, 0xCD, response.Data[4])

	h.UnregisterCustomPid(0x42)
	response, _ = h.ProcessRequest(obdiiRequest(ObdiiModeCurrentData, 0x42))
	assert.EqualValues(t, NrcRequestOutOfRange, response.Data[3])
}

func TestEncodingClamps(t *testing.T) {
	assert.EqualValues(t, 65535, encodeObdiiRPM(20000.0))
	assert.EqualValues(t, 0, encodeObdiiRPM(-10.0))
	assert.EqualValues(t, 255, encodeObdiiTemp(300.0))
	assert.EqualValues(t, 0, encodeObdiiTemp(-80.0))
	assert.EqualValues(t, 255, encodeObdiiPercent(150.0))
}
