// Package hal: RS-485 serial transport, backed by
// github.com/daedaluz/goserial — the pack's full serial-port example
// repo, which already exposes the Linux termios/RS485 ioctls
// (SetRS485, RS485Flag, Termios.SetSpeed) the wire format in spec.md
// §6 needs for a half-duplex Modbus-RTU bus.
package hal

import (
	"fmt"
	"time"

	serial "github.com/daedaluz/goserial"
)

// SerialConfig configures the RS-485 line (spec.md §4.4 init(bus-config):
// "configures baud, parity, stop bits").
type SerialConfig struct {
	Device   string
	BaudCode serial.CFlag // e.g. serial.B19200
	Parity   Parity
	StopBits int // 1 or 2

	// RTSDelayBeforeSend/After bound the turnaround the driver holds
	// TX-enable asserted before/after the frame, in milliseconds
	// (spec.md §6 "half-duplex; flush() guaranteed before TX enable is
	// dropped").
	RTSDelayBeforeSendMS uint32
	RTSDelayAfterSendMS  uint32
}

type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// RS485Port is the concrete SerialBus backed by a Linux RS-485 UART.
type RS485Port struct {
	port *serial.Port
	cfg  SerialConfig
}

// OpenRS485 opens and configures the serial device for half-duplex
// RS-485 operation.
func OpenRS485(cfg SerialConfig) (*RS485Port, error) {
	p, err := serial.Open(cfg.Device, serial.NewOptions().SetReadTimeout(0))
	if err != nil {
		return nil, fmt.Errorf("hal: open %s: %w", cfg.Device, err)
	}
	if err := configureTermios(p, cfg); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.SetRS485(&serial.RS485{
		Flags:              serial.RS485Enabled | serial.RS485RTSOnSend,
		DelayRTSBeforeSend: cfg.RTSDelayBeforeSendMS,
		DelayRTSAfterSend:  cfg.RTSDelayAfterSendMS,
	}); err != nil {
		p.Close()
		return nil, fmt.Errorf("hal: set RS485: %w", err)
	}
	return &RS485Port{port: p, cfg: cfg}, nil
}

func configureTermios(p *serial.Port, cfg SerialConfig) error {
	attrs, err := p.GetAttr()
	if err != nil {
		return fmt.Errorf("hal: get termios: %w", err)
	}
	attrs.MakeRaw()
	attrs.SetSpeed(cfg.BaudCode)
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	switch cfg.Parity {
	case ParityEven:
		attrs.Cflag |= serial.PARENB
		attrs.Cflag &^= serial.PARODD
	case ParityOdd:
		attrs.Cflag |= serial.PARENB | serial.PARODD
	case ParityNone:
		attrs.Cflag &^= serial.PARENB
	}
	if cfg.StopBits >= 2 {
		attrs.Cflag |= serial.CSTOPB
	} else {
		attrs.Cflag &^= serial.CSTOPB
	}
	return p.SetAttr(serial.TCSANOW, attrs)
}

// Transmit writes buf, then drains the Linux output queue (Drain) so
// TX-enable can be safely dropped once this call returns, per the
// flush-before-TX-enable-down contract.
func (r *RS485Port) Transmit(buf []byte) error {
	if _, err := r.port.Write(buf); err != nil {
		return fmt.Errorf("hal: serial write: %w", err)
	}
	if err := r.port.Drain(); err != nil {
		return fmt.Errorf("hal: serial drain: %w", err)
	}
	return nil
}

// Receive reads up to len(buf) bytes within timeout.
func (r *RS485Port) Receive(buf []byte, timeout time.Duration) (int, error) {
	n, err := r.port.ReadTimeout(buf, timeout)
	if err != nil {
		return n, fmt.Errorf("hal: serial read: %w", err)
	}
	return n, nil
}

// Close releases the underlying file descriptor.
func (r *RS485Port) Close() error {
	return r.port.Close()
}
