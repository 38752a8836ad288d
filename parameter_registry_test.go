package ecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func createRegistry() (*ParameterRegistry, *MessageBus) {
	clock := &testClock{}
	bus := NewMessageBus(clock)
	bus.Init()
	pr := NewParameterRegistry(bus)
	pr.Init()
	return pr, bus
}

func sendParam(bus *MessageBus, paramId uint32, param ParameterMsg) {
	var buf [8]byte
	param.Pack(buf[:])
	bus.Publish(paramId, buf[:])
	bus.Process()
}

// captureResponses collects every envelope routed to a channel forwarder
func captureResponses(pr *ParameterRegistry, channel uint8) *[]ParameterMsg {
	responses := &[]ParameterMsg{}
	pr.RegisterChannelForwarder(channel, func(msgId uint32, param ParameterMsg) bool {
		*responses = append(*responses, param)
		return true
	})
	return responses
}

func TestReadRequestAnswered(t *testing.T) {
	pr, bus := createRegistry()

	pr.RegisterParameter(ParamTransCurrentGear, func() float32 { return 4.0 }, nil, "Current gear")
	responses := captureResponses(pr, ChannelSerialUSB)

	sendParam(bus, ParamTransCurrentGear, ParameterMsg{
		Operation:     ParamOpReadRequest,
		SourceChannel: ChannelSerialUSB,
		RequestId:     7,
	})
	bus.Process() // nothing left, the response was routed in the same drain

	assert.Len(t, *responses, 1)
	r := (*responses)[0]
	assert.Equal(t, ParamOpReadResponse, r.Operation)
	assert.EqualValues(t, 4.0, r.Value)
	assert.EqualValues(t, 7, r.RequestId)
	assert.Equal(t, ChannelSerialUSB, r.SourceChannel)
}

func TestWriteRequestAcked(t *testing.T) {
	pr, bus := createRegistry()

	var written float32
	pr.RegisterParameter(ParamPaddleDebounceMs,
		func() float32 { return written },
		func(v float32) bool { written = v; return true },
		"Paddle debounce")
	responses := captureResponses(pr, ChannelCANBus)

	sendParam(bus, ParamPaddleDebounceMs, ParameterMsg{
		Operation:     ParamOpWriteRequest,
		Value:         250.0,
		SourceChannel: ChannelCANBus,
		RequestId:     3,
	})
	bus.Process()

	assert.EqualValues(t, 250.0, written)
	assert.Len(t, *responses, 1)
	r := (*responses)[0]
	assert.Equal(t, ParamOpWriteAck, r.Operation)
	assert.EqualValues(t, 250.0, r.Value)
}

func TestWriteToReadOnlyParameter(t *testing.T) {
	pr, bus := createRegistry()

	pr.RegisterParameter(ParamTransCurrentGear, func() float32 { return 2.0 }, nil, "Current gear")
	responses := captureResponses(pr, ChannelSerialUSB)

	sendParam(bus, ParamTransCurrentGear, ParameterMsg{
		Operation:     ParamOpWriteRequest,
		Value:         1.0,
		SourceChannel: ChannelSerialUSB,
		RequestId:     5,
	})
	bus.Process()

	assert.Len(t, *responses, 1)
	r := (*responses)[0]
	assert.Equal(t, ParamOpError, r.Operation)
	assert.EqualValues(t, ParamErrReadOnly, uint8(r.Value))
	assert.EqualValues(t, 5, r.RequestId)
}

func TestUnknownParameterErrors(t *testing.T) {
	pr, bus := createRegistry()
	responses := captureResponses(pr, ChannelSerialUSB)

	sendParam(bus, MakeParamId(0x7777), ParameterMsg{
		Operation:     ParamOpReadRequest,
		SourceChannel: ChannelSerialUSB,
		RequestId:     1,
	})
	bus.Process()

	assert.Len(t, *responses, 1)
	assert.Equal(t, ParamOpError, (*responses)[0].Operation)
	assert.EqualValues(t, ParamErrInvalidOperation, uint8((*responses)[0].Value))
}

func TestInvalidOperationByte(t *testing.T) {
	pr, bus := createRegistry()
	responses := captureResponses(pr, ChannelSerial1)

	sendParam(bus, ParamTransCurrentGear, ParameterMsg{
		Operation:     0x77,
		SourceChannel: ChannelSerial1,
		RequestId:     9,
	})
	bus.Process()

	assert.Len(t, *responses, 1)
	assert.Equal(t, ParamOpError, (*responses)[0].Operation)
	assert.EqualValues(t, ParamErrInvalidOperation, uint8((*responses)[0].Value))
	assert.EqualValues(t, 1, pr.Stats().InvalidOperations)
}

func TestRejectedWriteErrors(t *testing.T) {
	pr, bus := createRegistry()

	pr.RegisterParameter(ParamPaddleDebounceMs,
		func() float32 { return 200 },
		func(v float32) bool { return v >= 50 && v <= 1000 },
		"Paddle debounce")
	responses := captureResponses(pr, ChannelSerialUSB)

	sendParam(bus, ParamPaddleDebounceMs, ParameterMsg{
		Operation:     ParamOpWriteRequest,
		Value:         5000.0,
		SourceChannel: ChannelSerialUSB,
	})
	bus.Process()

	assert.Len(t, *responses, 1)
	assert.Equal(t, ParamOpError, (*responses)[0].Operation)
	assert.EqualValues(t, ParamErrOutOfRange, uint8((*responses)[0].Value))
}

func TestNonParameterMessagesIgnored(t *testing.T) {
	pr, bus := createRegistry()
	responses := captureResponses(pr, ChannelSerialUSB)

	bus.PublishFloat(MsgEngineRPM, 3000.0)
	bus.Process()
	assert.Empty(t, *responses)
	assert.EqualValues(t, 0, pr.Stats().ReadRequests)
}

func TestResponsesNotDispatchedAsRequests(t *testing.T) {
	pr, bus := createRegistry()

	reads := 0
	pr.RegisterParameter(ParamTransCurrentGear, func() float32 { reads++; return 1 }, nil, "gear")
	captureResponses(pr, ChannelSerialUSB)

	sendParam(bus, ParamTransCurrentGear, ParameterMsg{
		Operation:     ParamOpReadRequest,
		SourceChannel: ChannelSerialUSB,
	})
	bus.Process()
	bus.Process()

	// one read, the response envelope does not trigger another
	assert.Equal(t, 1, reads)
}

func TestDescription(t *testing.T) {
	pr, _ := createRegistry()
	pr.RegisterParameter(ParamTransFluidTemp, func() float32 { return 0 }, nil, "Fluid temperature")

	desc, ok := pr.Description(ParamTransFluidTemp)
	assert.True(t, ok)
	assert.Equal(t, "Fluid temperature", desc)

	_, ok = pr.Description(MakeParamId(0x9999))
	assert.False(t, ok)
}
