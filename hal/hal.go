// Package hal defines the narrow hardware-abstraction contract the core
// consumes (spec.md §6) and a small set of concrete backings: periph.io
// GPIO for digital I/O, daedaluz/goserial for the RS-485 bus, and a Sim
// implementation for tests. The core never imports a device driver
// directly — only these interfaces.
package hal

import (
	"time"

	"oht50.dev/firmware/tick"
)

// GPIO is a single digital line, read or written. Debounce is applied
// by the caller (see GPIOLine in gpio_line.go); the raw contract mirrors spec.md
// §6's gpio_read/gpio_write.
type GPIO interface {
	Read() (bool, error)
	Write(bool) error
}

// Relay is the fail-safe actuator contract (spec.md §6: "de-energize
// must be fail-safe if HAL is lost, wired to the E-Stop chain"). On is
// energized/closed; Off is de-energized/safe.
type Relay interface {
	On() error
	Off() error
}

// Indicator is a non-safety-critical annunciation output (spec.md §6
// led_set).
type Indicator interface {
	Set(on bool) error
}

// SerialBus is the half-duplex RS-485 transport contract (spec.md §6
// serial_transmit/serial_receive, with flush guaranteed before TX
// enable is dropped).
type SerialBus interface {
	// Transmit writes buf and returns once it has been flushed to the
	// wire (TX-enable is held until flush completes, then dropped).
	Transmit(buf []byte) error
	// Receive reads up to len(buf) bytes, blocking no longer than
	// timeout. It returns the number of bytes read.
	Receive(buf []byte, timeout time.Duration) (int, error)
}

// TimeSource is the monotonic clock contract; re-exported here so
// callers can depend on hal without importing tick directly.
type TimeSource = tick.Source
