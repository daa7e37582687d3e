//go:build linux

package main

import (
	"fmt"

	serial "github.com/daedaluz/goserial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/bcm283x"

	"oht50.dev/firmware/hal"
	"oht50.dev/firmware/tick"
)

// Pin assignments follow the reference carrier board's wiring, in the
// same style as driver/wshat's bcm283x.GPIOn button table.
var (
	estopPin   = bcm283x.GPIO17
	relayAPin  = bcm283x.GPIO27
	relayBPin  = bcm283x.GPIO22
	indicatorPin = bcm283x.GPIO23
)

func initPlatform(device string) (*platform, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph init: %w", err)
	}
	if err := estopPin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("configure estop pin: %w", err)
	}

	port, err := hal.OpenRS485(hal.SerialConfig{
		Device: device, BaudCode: serial.B19200, Parity: hal.ParityEven, StopBits: 1,
		RTSDelayBeforeSendMS: 1, RTSDelayAfterSendMS: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("open RS-485 %s: %w", device, err)
	}

	p := &platform{
		clock: tick.NewMonotonic(),
		bus:   port,
		estop: &hal.PeriphIn{Pin: estopPin, ActiveLow: true},
		relays: [2]hal.Relay{
			&hal.PeriphOut{Pin: relayAPin},
			&hal.PeriphOut{Pin: relayBPin},
		},
		errInd: &hal.PeriphOut{Pin: indicatorPin},
		motor:  &simMotor{},
	}
	p.closers = append(p.closers, port.Close)
	return p, nil
}
