package ecu

import (
	log "github.com/sirupsen/logrus"
)

// Read handler returns the current parameter value
type ParamReadHandler func() float32

// Write handler applies a new value, false rejects it
type ParamWriteHandler func(value float32) bool

// Forwarder carries a response envelope back out on an external channel
type ChannelForwarder func(msgId uint32, param ParameterMsg) bool

type paramEntry struct {
	readHandler  ParamReadHandler
	writeHandler ParamWriteHandler
	description  string
}

type ParameterRegistryStats struct {
	ReadRequests      uint32
	WriteRequests     uint32
	ResponsesSent     uint32
	ResponsesRouted   uint32
	ErrorsSent        uint32
	InvalidOperations uint32
}

// ParameterRegistry dispatches parameter envelopes for the whole ECU. It is
// installed as the bus global broadcast handler : requests are answered
// through registered handlers, responses are routed to the external channel
// they belong to.
type ParameterRegistry struct {
	bus        *MessageBus
	registry   map[uint32]*paramEntry
	forwarders map[uint8]ChannelForwarder
	stats      ParameterRegistryStats
}

func NewParameterRegistry(bus *MessageBus) *ParameterRegistry {
	return &ParameterRegistry{
		bus:        bus,
		registry:   map[uint32]*paramEntry{},
		forwarders: map[uint8]ChannelForwarder{},
	}
}

// Init installs the registry as global broadcast handler
func (pr *ParameterRegistry) Init() {
	pr.bus.SetGlobalBroadcastHandler(pr.HandleBroadcast)
	log.Debug("[PARAM] registry installed as broadcast handler")
}

// RegisterParameter adds a parameter. A nil write handler makes it
// read-only.
func (pr *ParameterRegistry) RegisterParameter(paramId uint32, read ParamReadHandler,
	write ParamWriteHandler, description string) bool {
	if read == nil {
		return false
	}
	pr.registry[paramId] = &paramEntry{
		readHandler:  read,
		writeHandler: write,
		description:  description,
	}
	return true
}

// RegisterChannelForwarder binds an external channel to its transmit path
func (pr *ParameterRegistry) RegisterChannelForwarder(channel uint8, forwarder ChannelForwarder) {
	pr.forwarders[channel] = forwarder
}

// HandleBroadcast sees every message delivered on the bus and dispatches
// the parameter envelopes
func (pr *ParameterRegistry) HandleBroadcast(msg *CANMessage) {
	if !IsParameterMsg(msg.ID) {
		return
	}
	param, ok := UnpackParameterMsg(msg)
	if !ok {
		return
	}

	switch param.Operation {
	case ParamOpReadRequest:
		pr.handleRead(msg.ID, param)
	case ParamOpWriteRequest:
		pr.handleWrite(msg.ID, param)
	case ParamOpReadResponse, ParamOpWriteAck, ParamOpError:
		pr.routeResponse(msg.ID, param)
	case ParamOpStatusBroadcast:
		// periodic value broadcast, nothing to dispatch
	default:
		pr.stats.InvalidOperations++
		pr.sendError(msg.ID, param, ParamErrInvalidOperation)
	}
}

func (pr *ParameterRegistry) handleRead(paramId uint32, param ParameterMsg) {
	pr.stats.ReadRequests++
	entry, ok := pr.registry[paramId]
	if !ok {
		pr.sendError(paramId, param, ParamErrInvalidOperation)
		return
	}

	response := ParameterMsg{
		Operation:     ParamOpReadResponse,
		Value:         entry.readHandler(),
		SourceChannel: param.SourceChannel,
		RequestId:     param.RequestId,
	}
	pr.publish(paramId, response)
	pr.stats.ResponsesSent++
}

func (pr *ParameterRegistry) handleWrite(paramId uint32, param ParameterMsg) {
	pr.stats.WriteRequests++
	entry, ok := pr.registry[paramId]
	if !ok {
		pr.sendError(paramId, param, ParamErrInvalidOperation)
		return
	}
	if entry.writeHandler == nil {
		pr.sendError(paramId, param, ParamErrReadOnly)
		return
	}
	if !entry.writeHandler(param.Value) {
		pr.sendError(paramId, param, ParamErrOutOfRange)
		return
	}

	ack := ParameterMsg{
		Operation:     ParamOpWriteAck,
		Value:         param.Value,
		SourceChannel: param.SourceChannel,
		RequestId:     param.RequestId,
	}
	pr.publish(paramId, ack)
	pr.stats.ResponsesSent++
}

// routeResponse hands a response envelope to the forwarder of its source
// channel
func (pr *ParameterRegistry) routeResponse(paramId uint32, param ParameterMsg) {
	forwarder, ok := pr.forwarders[param.SourceChannel]
	if !ok {
		return
	}
	if forwarder(paramId, param) {
		pr.stats.ResponsesRouted++
	}
}

func (pr *ParameterRegistry) sendError(paramId uint32, request ParameterMsg, code uint8) {
	pr.stats.ErrorsSent++
	response := ParameterMsg{
		Operation:     ParamOpError,
		Value:         float32(code),
		SourceChannel: request.SourceChannel,
		RequestId:     request.RequestId,
	}
	pr.publish(paramId, response)
}

func (pr *ParameterRegistry) publish(paramId uint32, param ParameterMsg) {
	var buf [8]byte
	param.Pack(buf[:])
	pr.bus.Publish(paramId, buf[:])
}

// Description returns the human readable text behind a parameter
func (pr *ParameterRegistry) Description(paramId uint32) (string, bool) {
	entry, ok := pr.registry[paramId]
	if !ok {
		return "", false
	}
	return entry.description, true
}

func (pr *ParameterRegistry) ParameterCount() int            { return len(pr.registry) }
func (pr *ParameterRegistry) Stats() ParameterRegistryStats  { return pr.stats }
