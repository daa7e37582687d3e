package main

import (
	"log"
	"time"

	"oht50.dev/firmware/busmaster"
	"oht50.dev/firmware/core"
	"oht50.dev/firmware/events"
	"oht50.dev/firmware/hal"
	"oht50.dev/firmware/motion"
	"oht50.dev/firmware/safety"
	"oht50.dev/firmware/sched"
	"oht50.dev/firmware/tick"
)

// platform bundles the concrete HAL wiring; platform_linux.go and
// platform_sim.go each provide initPlatform for their build tag, split
// between a real Raspberry Pi backing and a simulated fallback.
type platform struct {
	clock  tick.Source
	bus    hal.SerialBus
	estop  hal.GPIO
	relays [2]hal.Relay
	errInd hal.Indicator
	motor  *simMotor

	closers []func() error
}

func (p *platform) Close() error {
	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// simMotor is the Control Loop's Actuator/VelocitySource backing. On
// real hardware this would forward through the Module Coordinator to a
// registered motor module's registers (see registers.MotorVelocityCmd);
// here it is a direct in-process velocity integrator so the firmware
// runs standalone without a physical drive attached, the same way a
// simulated platform backing substitutes no-op implementations for
// hardware it cannot assume is present.
type simMotor struct {
	commanded float64
	measured  float64
}

func (m *simMotor) ApplyVelocityCommand(v float64) error {
	m.commanded = v
	m.measured = v
	return nil
}

func (m *simMotor) MeasuredVelocity() (float64, error) {
	return m.measured, nil
}

// estopHAL adapts the platform's raw E-Stop line and relays to
// safety.HAL, debouncing the E-Stop input through a hal.GPIOLine.
type estopHAL struct {
	line   *hal.GPIOLine
	relays [2]hal.Relay
	errInd hal.Indicator
}

func (h *estopHAL) ReadEstop() (bool, error)        { return h.line.Sample() }
func (h *estopHAL) RelayOff(idx int) error          { return h.relays[idx].Off() }
func (h *estopHAL) SetErrorIndicator(on bool) error { return h.errInd.Set(on) }

func buildCore(p *platform) (*core.Core, error) {
	clock := p.clock

	sc, err := sched.New(clock, sched.Config{Capacity: 32})
	if err != nil {
		return nil, err
	}

	bm, err := busmaster.New(p.bus, clock, busmaster.Config{
		PollPeriod:   5 * time.Millisecond,
		ResponseWait: busmaster.ResponseWait,
		MaxAttempts:  busmaster.MaxAttempts,
	}, events.SinkFunc(logEvent))
	if err != nil {
		return nil, err
	}

	eh := &estopHAL{
		line:   hal.NewGPIOLine(p.estop, 10*time.Millisecond, clock),
		relays: p.relays,
		errInd: p.errInd,
	}

	ctl, err := motion.New(motion.Config{
		FrequencyHz:  50,
		EnableSafety: true,
		Profile: motion.Profile{
			MaxVelocity:       2000, // mm/s
			MaxAcceleration:   1000, // mm/s^2
			PositionTolerance: 1,
			VelocityTolerance: 5,
		},
		PID: motion.PIDParams{
			KP: 1.2, KI: 0.5, KD: 0.05,
			OutputMin: -2000, OutputMax: 2000,
			IntegralMin: -500, IntegralMax: 500,
			SampleTime: 20 * time.Millisecond,
		},
	}, nil, p.motor, p.motor)
	if err != nil {
		return nil, err
	}

	sm, err := safety.New(safety.Config{
		EstopDebounce:     10 * time.Millisecond,
		EstopBudget:       100 * time.Millisecond,
		WatchdogEnabled:   true,
		WatchdogPeriod:    100 * time.Millisecond,
		EventQueueDepth:   32,
	}, eh, ctl, bm, sc, clock, events.SinkFunc(logEvent))
	if err != nil {
		return nil, err
	}
	ctl.SetSafetyQuery(sm)

	return core.New(clock, sc, bm, ctl, sm, core.Config{
		PollPeriod:    5 * time.Millisecond,
		ControlPeriod: 20 * time.Millisecond,
	})
}

func logEvent(ev events.Event) {
	log.Printf("event: kind=%s severity=%d detail=%s", ev.Kind, ev.Severity, ev.Detail)
}
