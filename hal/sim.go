package hal

import (
	"io"
	"time"
)

// SimPin is an in-memory GPIO for tests, analogous to a non-Linux
// build-tag stub that substitutes for real hardware.
type SimPin struct {
	Level bool
	Err   error
}

func (p *SimPin) Read() (bool, error) { return p.Level, p.Err }
func (p *SimPin) Write(v bool) error  { p.Level = v; return p.Err }
func (p *SimPin) On() error           { return p.Write(true) }
func (p *SimPin) Off() error          { return p.Write(false) }
func (p *SimPin) Set(on bool) error   { return p.Write(on) }

// SimBus is an in-memory half-duplex bus for tests, backed by an
// io.ReadWriter pipe (e.g. net.Pipe or a bytes.Buffer pair) in the same
// style as a device driver's Bus field being a plain io.ReadWriter.
type SimBus struct {
	RW io.ReadWriter
}

func (b *SimBus) Transmit(buf []byte) error {
	_, err := b.RW.Write(buf)
	return err
}

func (b *SimBus) Receive(buf []byte, _ time.Duration) (int, error) {
	return b.RW.Read(buf)
}
