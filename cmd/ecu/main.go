package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	ecu "github.com/rushtonmd/backslider-ecu"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var DEFAULT_CONFIG_PATH = "ecu.ini"

const loopPeriod = 1 * time.Millisecond

func main() {
	configPath := flag.String("c", DEFAULT_CONFIG_PATH, "ecu configuration file")
	tablesPath := flag.String("t", "", "optional yaml sensor/output tables")
	storagePath := flag.String("s", "", "file backend path, overrides the SPI flash")
	canOverride := flag.String("i", "", "socketcan interface override e.g. can0,vcan0")
	flag.Parse()

	// wiring-level settings are needed before the system exists
	bootConfig := ecu.NewConfigManager(nil)
	if _, err := os.Stat(*configPath); err == nil {
		if err := bootConfig.LoadFile(*configPath); err != nil {
			fmt.Printf("could not load configuration %v : %v\n", *configPath, err)
			os.Exit(1)
		}
	}
	config := bootConfig.Config()
	if *canOverride != "" {
		config.CanInterface = *canOverride
	}

	if _, err := host.Init(); err != nil {
		fmt.Printf("periph host init failed : %v\n", err)
		os.Exit(1)
	}

	clock := ecu.NewWallClock()
	hw := buildHardware(clock)

	backend := buildBackend(*storagePath, config)

	canDriver, err := ecu.NewSocketcanBus(config.CanInterface)
	if err != nil {
		log.Warnf("could not open CAN interface %v : %v, external CAN disabled", config.CanInterface, err)
		canDriver = nil
	}

	serialPort := openSerialPort(config.SerialPortName, int(config.SerialBaudrate))

	opts := ecu.SystemOptions{
		Clock:      clock,
		Hardware:   hw,
		Backend:    backend,
		SerialPort: serialPort,
	}
	if canDriver != nil {
		opts.CanDriver = canDriver
	}
	if _, err := os.Stat(*configPath); err == nil {
		opts.ConfigFile = *configPath
	}

	sys := ecu.NewSystem(opts)
	if err := sys.Init(); err != nil {
		fmt.Printf("ECU initialization failed : %v\n", err)
		os.Exit(1)
	}

	if *tablesPath != "" {
		sensors, outputs, err := ecu.LoadSensorTables(*tablesPath)
		if err != nil {
			fmt.Printf("could not load tables %v : %v\n", *tablesPath, err)
			os.Exit(1)
		}
		sys.Inputs.RegisterSensors(sensors)
		sys.Outputs.RegisterOutputs(outputs)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(loopPeriod)
	defer ticker.Stop()

	log.Info("entering main loop")
	for {
		select {
		case <-ticker.C:
			sys.Run()
		case <-quit:
			log.Info("shutting down, applying safe state")
			sys.SafeState()
			sys.Shutdown()
			return
		}
	}
}

// buildHardware registers the pins the transmission build uses with periph
func buildHardware(clock ecu.Clock) *ecu.PeriphHardware {
	hw := ecu.NewPeriphHardware(clock)
	pins := ecu.DefaultTransmissionPins()
	numbers := []uint8{
		pins.FluidTemp, pins.Park, pins.Reverse, pins.Neutral,
		pins.Drive, pins.Second, pins.First,
		pins.PaddleUpshift, pins.PaddleDownshift,
		1, 2, 3, 4, 5, // solenoid outputs
	}
	for _, n := range numbers {
		p := gpioreg.ByName(fmt.Sprintf("GPIO%d", n))
		if p == nil {
			log.Warnf("pin GPIO%d not present on this host", n)
			continue
		}
		hw.RegisterPin(n, p)
	}
	return hw
}

// buildBackend prefers the SPI flash, falling back to a file store
func buildBackend(storagePath string, config *ecu.ECUConfiguration) ecu.StorageBackend {
	if storagePath != "" {
		return ecu.NewFileBackend(storagePath)
	}
	if config.Spi.FlashEnabled {
		conn, err := openFlash(config)
		if err == nil {
			return ecu.NewFlashBackend(conn, 0, 256)
		}
		log.Warnf("SPI flash unavailable (%v), using file backend", err)
	}
	return ecu.NewFileBackend("ecu-storage.ini")
}

func openFlash(config *ecu.ECUConfiguration) (spi.Conn, error) {
	port, err := spireg.Open("")
	if err != nil {
		return nil, err
	}
	return port.Connect(physic.Frequency(config.Spi.FlashFrequencyHz)*physic.Hertz, spi.Mode0, 8)
}

// openSerialPort configures the point-to-point link with a short read
// timeout so the super-loop never blocks
func openSerialPort(name string, baud int) ecu.SerialPort {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(name, mode)
	if err != nil {
		log.Warnf("could not open serial port %v : %v, serial link disabled", name, err)
		return nil
	}
	if err := port.SetReadTimeout(time.Millisecond); err != nil {
		log.Warnf("serial read timeout not supported : %v", err)
	}
	return port
}
