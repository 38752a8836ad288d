package ecu

import (
	log "github.com/sirupsen/logrus"
)

// OBD-II constants
const (
	ObdiiRequestId      uint32 = 0x7DF
	ObdiiRequestIdBase  uint32 = 0x7E0
	ObdiiRequestIdLast  uint32 = 0x7E7
	ObdiiResponseId     uint32 = 0x7E8
	ObdiiPositiveOffset uint8  = 0x40
	ObdiiNegativeId     uint8  = 0x7F
)

// Services
const (
	ObdiiModeCurrentData uint8 = 0x01
	ObdiiModeFreezeFrame uint8 = 0x02
	ObdiiModeDiagCodes   uint8 = 0x03
	ObdiiModeVehicleInfo uint8 = 0x09
)

// Negative response codes
const (
	NrcServiceNotSupported  uint8 = 0x11
	NrcSubfuncNotSupported  uint8 = 0x12
	NrcConditionsNotCorrect uint8 = 0x22
	NrcRequestOutOfRange    uint8 = 0x31
)

// Mode 01 PIDs served from the cache
const (
	PidSupported0120     uint8 = 0x00
	PidEngineLoad        uint8 = 0x04
	PidCoolantTemp       uint8 = 0x05
	PidManifoldPressure  uint8 = 0x0B
	PidEngineRPM         uint8 = 0x0C
	PidVehicleSpeed      uint8 = 0x0D
	PidIntakeAirTemp     uint8 = 0x0F
	PidThrottlePosition  uint8 = 0x11
)

// Custom PID handler, returns encoded data bytes
type CustomPidHandler func(pid uint8) ([]byte, bool)

type ObdiiStats struct {
	RequestsReceived     uint32
	ResponsesSent        uint32
	Mode01Requests       uint32
	SupportedPidRequests uint32
	UnsupportedRequests  uint32
	CacheHits            uint32
	CacheMisses          uint32
	NegativeResponses    uint32
	MalformedRequests    uint32
}

// ObdiiHandler answers standard Mode 01 requests from the external cache.
// Values the internal bus never produced answer with conditions-not-correct.
type ObdiiHandler struct {
	cache      *ExternalCache
	customPids map[uint8]CustomPidHandler
	stats      ObdiiStats
}

func NewObdiiHandler(cache *ExternalCache) *ObdiiHandler {
	return &ObdiiHandler{
		cache:      cache,
		customPids: map[uint8]CustomPidHandler{},
	}
}

// IsObdiiRequest classifies a received frame
func IsObdiiRequest(frame CANFrame) bool {
	return frame.ID == ObdiiRequestId ||
		(frame.ID >= ObdiiRequestIdBase && frame.ID <= ObdiiRequestIdLast)
}

// RegisterCustomPid installs a handler that overrides or extends the
// standard table
func (h *ObdiiHandler) RegisterCustomPid(pid uint8, handler CustomPidHandler) bool {
	if handler == nil {
		return false
	}
	h.customPids[pid] = handler
	return true
}

func (h *ObdiiHandler) UnregisterCustomPid(pid uint8) {
	delete(h.customPids, pid)
}

// ProcessRequest parses a request frame and builds the response frame.
// Malformed frames produce no response at all.
func (h *ObdiiHandler) ProcessRequest(frame CANFrame) (CANFrame, bool) {
	h.stats.RequestsReceived++

	if frame.Len < 2 {
		h.stats.MalformedRequests++
		return CANFrame{}, false
	}
	dataLen := frame.Data[0]
	if dataLen < 1 || int(dataLen) > int(frame.Len)-1 {
		h.stats.MalformedRequests++
		return CANFrame{}, false
	}
	mode := frame.Data[1]

	if mode != ObdiiModeCurrentData {
		h.stats.UnsupportedRequests++
		return h.negativeResponse(mode, NrcServiceNotSupported), true
	}
	if dataLen < 2 {
		h.stats.MalformedRequests++
		return CANFrame{}, false
	}
	h.stats.Mode01Requests++
	pid := frame.Data[2]

	data, ok := h.mode01Data(pid)
	if !ok {
		h.stats.NegativeResponses++
		return h.negativeResponse(mode, NrcRequestOutOfRange), true
	}
	if data == nil {
		// known PID but no live data behind it yet
		h.stats.NegativeResponses++
		return h.negativeResponse(mode, NrcConditionsNotCorrect), true
	}

	h.stats.SupportedPidRequests++
	h.stats.ResponsesSent++
	return h.positiveResponse(mode, pid, data), true
}

// mode01Data returns (nil, true) for supported PIDs without fresh data
func (h *ObdiiHandler) mode01Data(pid uint8) ([]byte, bool) {
	if handler, ok := h.customPids[pid]; ok {
		data, ok := handler(pid)
		if !ok {
			return nil, true
		}
		return data, true
	}

	switch pid {
	case PidSupported0120:
		return h.supportedPidsBitmap(), true

	case PidEngineLoad, PidThrottlePosition:
		value, ok := h.cachedValue(pid)
		if !ok {
			return nil, true
		}
		return []byte{encodeObdiiPercent(value)}, true

	case PidCoolantTemp, PidIntakeAirTemp:
		value, ok := h.cachedValue(pid)
		if !ok {
			return nil, true
		}
		return []byte{encodeObdiiTemp(value)}, true

	case PidManifoldPressure:
		value, ok := h.cachedValue(pid)
		if !ok {
			return nil, true
		}
		return []byte{encodeObdiiByte(value)}, true

	case PidEngineRPM:
		value, ok := h.cachedValue(pid)
		if !ok {
			return nil, true
		}
		raw := encodeObdiiRPM(value)
		return []byte{byte(raw >> 8), byte(raw)}, true

	case PidVehicleSpeed:
		value, ok := h.cachedValue(pid)
		if !ok {
			return nil, true
		}
		return []byte{encodeObdiiByte(value)}, true
	}
	return nil, false
}

func (h *ObdiiHandler) cachedValue(pid uint8) (float32, bool) {
	value, ok := h.cache.GetValue(ObdiiCacheKey(pid), 0)
	if ok {
		h.stats.CacheHits++
	} else {
		h.stats.CacheMisses++
	}
	return value, ok
}

func (h *ObdiiHandler) supportedPidsBitmap() []byte {
	pids := []uint8{PidEngineLoad, PidCoolantTemp, PidManifoldPressure,
		PidEngineRPM, PidVehicleSpeed, PidIntakeAirTemp, PidThrottlePosition}
	var bitmap uint32
	for _, pid := range pids {
		bitmap |= 1 << (32 - uint32(pid))
	}
	for pid := range h.customPids {
		if pid >= 0x01 && pid <= 0x20 {
			bitmap |= 1 << (32 - uint32(pid))
		}
	}
	return []byte{byte(bitmap >> 24), byte(bitmap >> 16), byte(bitmap >> 8), byte(bitmap)}
}

func (h *ObdiiHandler) positiveResponse(mode, pid uint8, data []byte) CANFrame {
	frame := CANFrame{ID: ObdiiResponseId, Len: 8}
	frame.Data[0] = uint8(len(data)) + 2
	frame.Data[1] = mode + ObdiiPositiveOffset
	frame.Data[2] = pid
	copy(frame.Data[3:], data)
	return frame
}

func (h *ObdiiHandler) negativeResponse(mode, nrc uint8) CANFrame {
	log.Debugf("[OBDII] negative response mode x%X nrc x%X", mode, nrc)
	frame := CANFrame{ID: ObdiiResponseId, Len: 8}
	frame.Data[0] = 0x03
	frame.Data[1] = ObdiiNegativeId
	frame.Data[2] = mode
	frame.Data[3] = nrc
	return frame
}

func (h *ObdiiHandler) Stats() ObdiiStats { return h.stats }

func (h *ObdiiHandler) ResetStatistics() { h.stats = ObdiiStats{} }

// Standard OBD-II encodings

// RPM is carried as value * 4 in two bytes
func encodeObdiiRPM(rpm float32) uint16 {
	raw := rpm * 4.0
	if raw < 0 {
		raw = 0
	}
	if raw > 65535 {
		raw = 65535
	}
	return uint16(raw)
}

// Temperatures are offset by 40°C
func encodeObdiiTemp(tempC float32) uint8 {
	raw := tempC + 40.0
	if raw < 0 {
		raw = 0
	}
	if raw > 255 {
		raw = 255
	}
	return uint8(raw)
}

// Percentages scale 0..100 onto 0..255
func encodeObdiiPercent(percent float32) uint8 {
	raw := percent * 255.0 / 100.0
	if raw < 0 {
		raw = 0
	}
	if raw > 255 {
		raw = 255
	}
	return uint8(raw)
}

func encodeObdiiByte(value float32) uint8 {
	if value < 0 {
		value = 0
	}
	if value > 255 {
		value = 255
	}
	return uint8(value)
}
