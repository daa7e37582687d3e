// Package motion implements the Control Loop (spec.md §4.2): PID
// velocity stabilization shaped by an acceleration-limited motion
// profile, pre-empted by the Safety Monitor. The clamp-and-rate-limit
// style (target velocity clamped to +/-max before entering the loop,
// commanded velocity advanced by at most max_accel*dt per cycle)
// mirrors a stepper driver's current/microstep clamping (min/max
// saturation on a computed drive value) generalized to a full PID loop,
// since nothing in the reference stack already implements a velocity
// controller wholesale.
package motion

import (
	"time"

	"oht50.dev/firmware/ohterr"
)

// Mode is the Control Loop's operating mode (spec.md §3 "Control
// State").
type Mode int

const (
	ModeIdle Mode = iota
	ModeVelocity
	ModeEmergency
)

// RunState is the loop's health state, distinct from Mode.
type RunState int

const (
	StateDisabled RunState = iota
	StateEnabled
	StateRunning
	StateError
	StateFault
)

// Profile bounds motion shaping (spec.md §3 "Motion Profile").
// MaxVelocity and MaxAcceleration must be positive; New and
// SetMotionProfile reject zero or negative values for them.
type Profile struct {
	MaxVelocity       float64 // mm/s
	MaxAcceleration   float64 // mm/s^2
	MaxJerk           float64 // mm/s^3 (not used by Update)
	PositionTolerance float64
	VelocityTolerance float64
}

func (p Profile) validate() error {
	if p.MaxVelocity <= 0 || p.MaxAcceleration <= 0 {
		return ohterr.New(ohterr.InvalidArgument, "motion profile limits must be positive", nil)
	}
	return nil
}

// PIDParams configures the stabilizing controller (spec.md §3 "PID
// Parameters"). Anti-windup clamps the integral every cycle.
type PIDParams struct {
	KP, KI, KD               float64
	OutputMin, OutputMax     float64
	IntegralMin, IntegralMax float64
	SampleTime               time.Duration
}

func (p PIDParams) validate() error {
	if p.SampleTime <= 0 || p.SampleTime > time.Second {
		return ohterr.New(ohterr.InvalidArgument, "sample time out of (0, 1s]", nil)
	}
	if p.OutputMin > p.OutputMax || p.IntegralMin > p.IntegralMax {
		return ohterr.New(ohterr.InvalidArgument, "min must not exceed max", nil)
	}
	return nil
}

// Config is the loop's static setup (spec.md §4.2 init).
type Config struct {
	FrequencyHz    float64
	EnableSafety   bool
	Profile        Profile
	PID            PIDParams
}

func (c Config) validate() error {
	if c.FrequencyHz <= 0 || c.FrequencyHz > 10000 {
		return ohterr.New(ohterr.InvalidArgument, "control frequency out of (0, 10000] Hz", nil)
	}
	if err := c.Profile.validate(); err != nil {
		return err
	}
	return c.PID.validate()
}

// SafetyQuery is how the loop asks the Safety Monitor whether motion is
// permitted (spec.md §2 step 3: "asks the Safety Monitor"; §9 breaks
// the cyclic reference via a published snapshot instead of a
// back-reference).
type SafetyQuery interface {
	EstopActive() bool
}

// VelocitySource reads the measured velocity, e.g. from a motor
// module's register snapshot (spec.md §4.2 step 2).
type VelocitySource interface {
	MeasuredVelocity() (float64, error)
}

// Actuator applies the computed output (spec.md §4.2 step 8).
type Actuator interface {
	ApplyVelocityCommand(float64) error
}

// Stats accumulates rolling cycle statistics.
type Stats struct {
	Cycles           uint64
	ReadFaults       uint64
	ActuatorFailures uint64
	LimitViolations  uint64
}

// Loop is the Control Loop (spec.md §4.2). It owns its PID state,
// profile, and control state exclusively (spec.md §3 "Ownership").
type Loop struct {
	cfg     Config
	profile Profile
	pid     PIDParams

	mode    Mode
	state   RunState
	enabled bool

	targetVelocity    float64
	commandedVelocity float64
	measuredVelocity  float64
	lastMeasured      float64
	haveMeasured      bool

	integral float64
	prevErr  float64
	haveErr  bool

	lastOutput float64
	cycleCount uint64
	lastUpdate time.Time
	haveUpdate bool

	limitsViolated bool
	safetyViolated bool
	actuatorFails  int

	safety   SafetyQuery
	velocity VelocitySource
	actuator Actuator

	stats Stats
}

// New constructs a Loop (spec.md §4.2 init).
func New(cfg Config, safety SafetyQuery, velocity VelocitySource, actuator Actuator) (*Loop, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if velocity == nil || actuator == nil {
		return nil, ohterr.New(ohterr.InvalidArgument, "velocity source and actuator are required", nil)
	}
	return &Loop{
		cfg: cfg, profile: cfg.Profile, pid: cfg.PID,
		state: StateDisabled, safety: safety, velocity: velocity, actuator: actuator,
	}, nil
}

// SetSafetyQuery wires (or rewires) the Safety Monitor query used by
// the safety pre-emption step. Constructors that build the Control Loop
// before the Safety Monitor exists pass nil to New and call this once
// the Safety Monitor is constructed (spec.md §9's snapshot-based
// decoupling means this is the only coupling between the two).
func (l *Loop) SetSafetyQuery(q SafetyQuery) { l.safety = q }

// SetMode changes the operating mode; this resets the integral and
// previous error to zero (spec.md §4.2). Mode SAFETY/EMERGENCY is
// write-only by the Safety Monitor in practice, but nothing at this
// layer distinguishes the caller — the Safety Monitor is simply the
// only component wired to call it with ModeEmergency.
func (l *Loop) SetMode(m Mode) {
	l.mode = m
	l.integral = 0
	l.prevErr = 0
	l.haveErr = false
}

// GetMode returns the current mode.
func (l *Loop) GetMode() Mode { return l.mode }

// Enable arms the loop.
func (l *Loop) Enable() {
	l.enabled = true
	if l.state == StateDisabled {
		l.state = StateEnabled
	}
}

// Disable forces output to zero on the same call (spec.md §4.2).
func (l *Loop) Disable() {
	l.enabled = false
	l.state = StateDisabled
	l.lastOutput = 0
	_ = l.actuator.ApplyVelocityCommand(0)
}

// IsEnabled reports whether the loop is armed.
func (l *Loop) IsEnabled() bool { return l.enabled }

// SetTargetVelocity clamps v to +/-max velocity (spec.md §3 "Control
// State": "Target velocity is clamped to +/-max velocity before
// entering the loop"). It has no effect unless mode == ModeVelocity.
func (l *Loop) SetTargetVelocity(v float64) {
	max := l.profile.MaxVelocity
	if v > max {
		v = max
	} else if v < -max {
		v = -max
	}
	if l.mode != ModeVelocity {
		return
	}
	l.targetVelocity = v
}

// GetTargetVelocity returns the currently clamped target regardless of
// mode (spec.md §8 round-trip property).
func (l *Loop) GetTargetVelocity() float64 {
	max := l.profile.MaxVelocity
	if l.targetVelocity > max {
		return max
	}
	if l.targetVelocity < -max {
		return -max
	}
	return l.targetVelocity
}

// SetPIDParams hot-swaps the PID parameters between cycles, re-clamping
// the integral to the new bounds.
func (l *Loop) SetPIDParams(p PIDParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	l.pid = p
	l.integral = clamp(l.integral, p.IntegralMin, p.IntegralMax)
	return nil
}

// SetMotionProfile hot-swaps the motion profile between cycles.
func (l *Loop) SetMotionProfile(p Profile) error {
	if err := p.validate(); err != nil {
		return err
	}
	l.profile = p
	return nil
}

// ForceEmergencyZero immediately zeroes the commanded output and marks
// the loop EMERGENCY/ERROR, independent of its own update cycle. It
// satisfies safety.ControlSink, letting the Safety Monitor force a
// zero output as the tick's last action (spec.md §5(c)) even when its
// own transition happens after the Control Loop's Update already ran
// this tick.
func (l *Loop) ForceEmergencyZero() {
	l.mode = ModeEmergency
	l.state = StateError
	l.safetyViolated = true
	l.lastOutput = 0
	_ = l.actuator.ApplyVelocityCommand(0)
}

// ClearErrors recovers from StateError, but only when the Safety
// Monitor reports SAFE (spec.md §4.2 "recovery is via explicit
// clear_errors() which only succeeds when the Safety Monitor is SAFE").
func (l *Loop) ClearErrors() error {
	if l.safety != nil && l.safety.EstopActive() {
		return ohterr.New(ohterr.InvalidArgument, "cannot clear errors while safety monitor reports E-Stop active", nil)
	}
	if l.state == StateFault {
		return ohterr.New(ohterr.InvalidArgument, "cannot clear errors from FAULT", nil)
	}
	l.state = StateEnabled
	l.limitsViolated = false
	l.safetyViolated = false
	l.actuatorFails = 0
	return nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Update is the periodic entry point (spec.md §4.2 algorithm).
func (l *Loop) Update(now time.Time) error {
	if !l.haveUpdate {
		l.lastUpdate = now
		l.haveUpdate = true
		return nil
	}
	dt := now.Sub(l.lastUpdate)
	if dt < l.pid.SampleTime {
		return nil // rate limit (step 1)
	}
	l.lastUpdate = now

	measured, err := l.velocity.MeasuredVelocity()
	if err != nil {
		l.stats.ReadFaults++
		measured = l.lastMeasured // step 2: use previous measurement on read fault
	} else {
		l.lastMeasured = measured
		l.haveMeasured = true
	}
	l.measuredVelocity = measured

	dtSeconds := dt.Seconds()
	maxStep := l.profile.MaxAcceleration * dtSeconds
	delta := clamp(l.targetVelocity-l.commandedVelocity, -maxStep, maxStep)
	l.commandedVelocity += delta // step 3

	errVal := l.commandedVelocity - measured // step 4
	sampleSeconds := l.pid.SampleTime.Seconds()
	l.integral = clamp(l.integral+errVal*dtSeconds, l.pid.IntegralMin, l.pid.IntegralMax)
	derivative := 0.0
	if l.haveErr {
		derivative = (errVal - l.prevErr) / sampleSeconds
	}
	l.prevErr = errVal
	l.haveErr = true

	output := l.pid.KP*errVal + l.pid.KI*l.integral + l.pid.KD*derivative // step 5
	output = clamp(output, l.pid.OutputMin, l.pid.OutputMax)

	if l.cfg.EnableSafety && l.safety != nil && l.safety.EstopActive() { // step 6
		l.mode = ModeEmergency
		l.state = StateError
		l.safetyViolated = true
		output = 0
		l.lastOutput = 0
		l.cycleCount++
		return nil
	}

	if l.limitsViolated || measured > l.profile.MaxVelocity || measured < -l.profile.MaxVelocity { // step 7
		l.limitsViolated = true
		l.state = StateError
		l.stats.LimitViolations++
		output = 0
	}

	if l.enabled {
		if err := l.actuator.ApplyVelocityCommand(output); err != nil { // step 8
			l.actuatorFails++
			l.stats.ActuatorFailures++
			if l.actuatorFails >= 3 {
				l.state = StateFault
			}
			return ohterr.New(ohterr.HardwareFault, "apply velocity command", err)
		}
		l.actuatorFails = 0
		if l.state == StateEnabled {
			l.state = StateRunning
		}
	} else {
		output = 0
	}

	l.lastOutput = output
	l.cycleCount++
	l.stats.Cycles++
	return nil
}

// LastOutput returns the most recently applied output.
func (l *Loop) LastOutput() float64 { return l.lastOutput }

// State returns the run state.
func (l *Loop) State() RunState { return l.state }

// Stats returns rolling statistics.
func (l *Loop) Stats() Stats { return l.stats }

// CycleCount returns the number of completed cycles.
func (l *Loop) CycleCount() uint64 { return l.cycleCount }
