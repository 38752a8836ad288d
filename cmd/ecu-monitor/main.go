package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	ecu "github.com/rushtonmd/backslider-ecu"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Small parameter client for the ECU serial link. Reads or writes a single
// parameter and prints the response envelope.

func main() {
	portName := flag.String("p", "/dev/ttyACM0", "serial port")
	baud := flag.Int("b", 115200, "baud rate")
	paramArg := flag.String("id", "", "parameter id (hex, e.g. 0x1080001)")
	writeValue := flag.String("w", "", "value to write instead of reading")
	timeout := flag.Duration("timeout", 2*time.Second, "response timeout")
	flag.Parse()

	if *paramArg == "" {
		fmt.Println("missing -id")
		os.Exit(1)
	}
	paramId64, err := strconv.ParseUint(*paramArg, 0, 32)
	if err != nil {
		fmt.Printf("bad parameter id %v : %v\n", *paramArg, err)
		os.Exit(1)
	}
	paramId := uint32(paramId64)

	port, err := serial.Open(*portName, &serial.Mode{BaudRate: *baud})
	if err != nil {
		fmt.Printf("could not open %v : %v\n", *portName, err)
		os.Exit(1)
	}
	if err := port.SetReadTimeout(10 * time.Millisecond); err != nil {
		log.Warnf("read timeout not supported : %v", err)
	}

	clock := ecu.NewWallClock()
	bus := ecu.NewMessageBus(clock)
	bus.Init()
	link := ecu.NewExternalSerial(bus, clock, port, 0x20, ecu.ChannelSerialUSB)
	link.Init()
	tracker := ecu.NewRequestTracker(clock)

	done := false
	bus.Subscribe(paramId, func(msg *ecu.CANMessage) {
		param, ok := ecu.UnpackParameterMsg(msg)
		if !ok {
			return
		}
		switch param.Operation {
		case ecu.ParamOpReadResponse:
			fmt.Printf("x%X = %v\n", paramId, param.Value)
		case ecu.ParamOpWriteAck:
			fmt.Printf("x%X written = %v\n", paramId, param.Value)
		case ecu.ParamOpError:
			fmt.Printf("x%X error code %v\n", paramId, uint8(param.Value))
		default:
			return
		}
		tracker.RemoveRequest(param.RequestId, ecu.ChannelSerialUSB)
		done = true
	})

	request := ecu.ParameterMsg{
		Operation: ecu.ParamOpReadRequest,
		RequestId: tracker.AddRequest(ecu.ChannelSerialUSB, paramId),
	}
	if *writeValue != "" {
		value, err := strconv.ParseFloat(*writeValue, 32)
		if err != nil {
			fmt.Printf("bad value %v : %v\n", *writeValue, err)
			os.Exit(1)
		}
		request.Operation = ecu.ParamOpWriteRequest
		request.Value = float32(value)
	}

	msg := &ecu.CANMessage{ID: paramId, Len: 8, Extended: true}
	request.Pack(msg.Buf[:])
	if !link.SendMessage(ecu.SerialBroadcastId, ecu.PacketTypeParameter, msg) {
		fmt.Println("send failed")
		os.Exit(1)
	}

	deadline := time.Now().Add(*timeout)
	for !done && time.Now().Before(deadline) {
		link.Update()
		bus.Process()
		time.Sleep(time.Millisecond)
	}
	if !done {
		fmt.Println("timeout waiting for response")
		os.Exit(1)
	}
}
