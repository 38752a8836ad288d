package ecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerInitialState(t *testing.T) {
	rt := NewRequestTracker(&testClock{})
	assert.Equal(t, 0, rt.PendingCount())
	assert.EqualValues(t, 0, rt.TimeoutCount())
}

func TestAddAndRemoveRequest(t *testing.T) {
	rt := NewRequestTracker(&testClock{})

	id := rt.AddRequest(ChannelSerialUSB, ParamTransCurrentGear)
	assert.EqualValues(t, 1, id) // first id is always 1
	assert.Equal(t, 1, rt.PendingCount())
	assert.True(t, rt.IsPending(id, ChannelSerialUSB))

	paramId, ok := rt.PendingParamId(id, ChannelSerialUSB)
	assert.True(t, ok)
	assert.Equal(t, ParamTransCurrentGear, paramId)

	assert.True(t, rt.RemoveRequest(id, ChannelSerialUSB))
	assert.Equal(t, 0, rt.PendingCount())
	assert.False(t, rt.IsPending(id, ChannelSerialUSB))
}

func TestRequestIdsRotate(t *testing.T) {
	rt := NewRequestTracker(&testClock{})

	id1 := rt.AddRequest(ChannelSerialUSB, 0x1000)
	id2 := rt.AddRequest(ChannelSerial1, 0x2000)
	id3 := rt.AddRequest(ChannelCANBus, 0x3000)
	assert.EqualValues(t, 1, id1)
	assert.EqualValues(t, 2, id2)
	assert.EqualValues(t, 3, id3)
	assert.Equal(t, 3, rt.PendingCount())
}

func TestIdsUniquePerChannel(t *testing.T) {
	clock := &testClock{}
	rt := NewRequestTracker(clock)

	seen := map[uint8]bool{}
	for i := 0; i < MaxTrackedRequests-1; i++ {
		id := rt.AddRequest(ChannelSerialUSB, uint32(i))
		assert.False(t, seen[id], "id %v reissued while pending", id)
		seen[id] = true
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	rt := NewRequestTracker(&testClock{})

	rt.AddRequest(ChannelSerialUSB, 0x1000)
	rt.AddRequest(ChannelSerial1, 0x2000)

	assert.True(t, rt.IsPending(1, ChannelSerialUSB))
	assert.False(t, rt.IsPending(2, ChannelSerialUSB))
	assert.True(t, rt.IsPending(2, ChannelSerial1))

	// removing on the wrong channel does nothing
	assert.False(t, rt.RemoveRequest(1, ChannelSerial1))
	assert.True(t, rt.IsPending(1, ChannelSerialUSB))
}

func TestOverflowEvictsOldest(t *testing.T) {
	clock := &testClock{}
	rt := NewRequestTracker(clock)

	first := rt.AddRequest(ChannelSerialUSB, 0x1000)
	for i := 0; i < MaxTrackedRequests; i++ {
		clock.advanceMs(10)
		rt.AddRequest(ChannelCANBus, uint32(0x2000+i))
	}

	assert.Equal(t, MaxTrackedRequests, rt.PendingCount())
	assert.False(t, rt.IsPending(first, ChannelSerialUSB))
}

func TestCleanupTimeouts(t *testing.T) {
	clock := &testClock{}
	rt := NewRequestTracker(clock)

	rt.AddRequest(ChannelSerialUSB, 0x1000)
	clock.advanceMs(500)
	rt.AddRequest(ChannelSerialUSB, 0x2000)

	evicted := rt.CleanupTimeouts(400)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, rt.PendingCount())
	assert.EqualValues(t, 1, rt.TimeoutCount())
}
