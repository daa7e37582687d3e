//go:build !linux

package main

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"oht50.dev/firmware/hal"
	"oht50.dev/firmware/tick"
)

var errLoopbackTimeout = errors.New("platform: loopback bus never answers")

// loopbackBus is an in-memory SerialBus for non-Linux development
// builds, standing in for a physical RS-485 bus the same way the
// teacher's platform_dummy.go stands in for hardware it cannot assume
// is present. Writes are simply discarded into a reader that never
// answers, so Module Coordinator polls time out cleanly instead of
// panicking on a missing device.
type loopbackBus struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *loopbackBus) Transmit(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	return nil
}

func (b *loopbackBus) Receive(p []byte, _ time.Duration) (int, error) {
	return 0, errLoopbackTimeout
}

func initPlatform(device string) (*platform, error) {
	p := &platform{
		clock:  tick.NewMonotonic(),
		bus:    &loopbackBus{},
		estop:  &hal.SimPin{},
		relays: [2]hal.Relay{&hal.SimPin{}, &hal.SimPin{}},
		errInd: &hal.SimPin{},
		motor:  &simMotor{},
	}
	return p, nil
}
