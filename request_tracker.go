package ecu

// Bounded table of pending parameter requests, one entry per outstanding
// (request id, channel) pair
const MaxTrackedRequests = 16

type trackedRequest struct {
	requestId  uint8
	channel    uint8
	paramId    uint32
	issuedAtMs uint32
	active     bool
}

// RequestTracker correlates parameter responses back to the external
// channel that asked. Request ids rotate 1..255 per tracker, ids still
// pending on the same channel are skipped.
type RequestTracker struct {
	clock        Clock
	entries      [MaxTrackedRequests]trackedRequest
	nextId       uint8
	timeoutCount uint32
}

func NewRequestTracker(clock Clock) *RequestTracker {
	return &RequestTracker{clock: clock}
}

// AddRequest allocates a request id and tracks the pending entry. The
// oldest entry is evicted when the table is full.
func (rt *RequestTracker) AddRequest(channel uint8, paramId uint32) uint8 {
	id := rt.allocateId(channel)

	slot := rt.freeSlot()
	if slot < 0 {
		slot = rt.oldestSlot()
	}
	rt.entries[slot] = trackedRequest{
		requestId:  id,
		channel:    channel,
		paramId:    paramId,
		issuedAtMs: rt.clock.Millis(),
		active:     true,
	}
	return id
}

func (rt *RequestTracker) allocateId(channel uint8) uint8 {
	for i := 0; i < 255; i++ {
		rt.nextId++
		if rt.nextId == 0 {
			rt.nextId = 1
		}
		if !rt.IsPending(rt.nextId, channel) {
			return rt.nextId
		}
	}
	return rt.nextId
}

func (rt *RequestTracker) freeSlot() int {
	for i := range rt.entries {
		if !rt.entries[i].active {
			return i
		}
	}
	return -1
}

func (rt *RequestTracker) oldestSlot() int {
	oldest := 0
	for i := range rt.entries {
		if rt.entries[i].issuedAtMs < rt.entries[oldest].issuedAtMs {
			oldest = i
		}
	}
	return oldest
}

// RemoveRequest clears a pending entry once its response arrived
func (rt *RequestTracker) RemoveRequest(requestId uint8, channel uint8) bool {
	for i := range rt.entries {
		e := &rt.entries[i]
		if e.active && e.requestId == requestId && e.channel == channel {
			e.active = false
			return true
		}
	}
	return false
}

func (rt *RequestTracker) IsPending(requestId uint8, channel uint8) bool {
	for i := range rt.entries {
		e := &rt.entries[i]
		if e.active && e.requestId == requestId && e.channel == channel {
			return true
		}
	}
	return false
}

// PendingParamId returns the parameter a pending request targets
func (rt *RequestTracker) PendingParamId(requestId uint8, channel uint8) (uint32, bool) {
	for i := range rt.entries {
		e := &rt.entries[i]
		if e.active && e.requestId == requestId && e.channel == channel {
			return e.paramId, true
		}
	}
	return 0, false
}

// CleanupTimeouts evicts entries older than timeoutMs, returns how many
func (rt *RequestTracker) CleanupTimeouts(timeoutMs uint32) int {
	nowMs := rt.clock.Millis()
	evicted := 0
	for i := range rt.entries {
		e := &rt.entries[i]
		if e.active && nowMs-e.issuedAtMs > timeoutMs {
			e.active = false
			rt.timeoutCount++
			evicted++
		}
	}
	return evicted
}

func (rt *RequestTracker) PendingCount() int {
	count := 0
	for i := range rt.entries {
		if rt.entries[i].active {
			count++
		}
	}
	return count
}

func (rt *RequestTracker) TimeoutCount() uint32 { return rt.timeoutCount }
