// Package hal: periph.io-backed GPIO, in the style of driver packages
// that drive buttons, relays, and display-control lines through
// periph.io/x/conn/v3/gpio on top of periph.io/x/host/v3.
package hal

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
)

// InitPlatform initializes the periph.io host drivers once per process.
func InitPlatform() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("hal: periph init: %w", err)
	}
	return nil
}

// PeriphIn adapts a periph.io gpio.PinIn to GPIO (read-only side).
type PeriphIn struct {
	Pin gpio.PinIn
	// ActiveLow reports the asserted hardware level as true when the pin
	// reads gpio.Low (many E-Stop/interlock loops are wired
	// active-low through a pull-up).
	ActiveLow bool
}

func (p *PeriphIn) Read() (bool, error) {
	lvl := p.Pin.Read()
	asserted := lvl == gpio.High
	if p.ActiveLow {
		asserted = lvl == gpio.Low
	}
	return asserted, nil
}

func (p *PeriphIn) Write(bool) error {
	return fmt.Errorf("hal: %s is an input", p.Pin.Name())
}

// Configure sets the pull/edge mode for the input, matching
// driver/wshat's btn.Pin.In(gpio.PullUp, gpio.BothEdges) call.
func (p *PeriphIn) Configure(pull gpio.Pull, edge gpio.Edge) error {
	return p.Pin.In(pull, edge)
}

// PeriphOut adapts a periph.io gpio.PinOut to GPIO, Relay, and
// Indicator, since on this platform they are all just an output pin
// with opposite-sense semantics.
type PeriphOut struct {
	Pin       gpio.PinOut
	ActiveLow bool
}

func (p *PeriphOut) set(energized bool) error {
	lvl := gpio.High
	if energized == p.ActiveLow {
		lvl = gpio.Low
	}
	return p.Pin.Out(lvl)
}

func (p *PeriphOut) Read() (bool, error) {
	return false, fmt.Errorf("hal: %s is an output", p.Pin.Name())
}

func (p *PeriphOut) Write(v bool) error { return p.set(v) }
func (p *PeriphOut) On() error          { return p.set(true) }
func (p *PeriphOut) Off() error         { return p.set(false) }
func (p *PeriphOut) Set(on bool) error  { return p.set(on) }
